package kbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/google/go-kbs-client/resource"
)

// GetResource fetches and decrypts a resource, establishing a session first
// when needed. A session the KBS refuses with 401 or 403 is dropped and a
// new one is established, up to MaxAttempts requests in total. Other
// failures are returned without retrying.
func (c *Client) GetResource(ctx context.Context, uri resource.URI) ([]byte, error) {
	target, err := c.kbsURI.WithResource(uri)
	if err != nil {
		return nil, err
	}

	var (
		out      []byte
		attempts int
	)
	op := func() error {
		attempts++
		s, epoch, err := c.ensureSession(ctx)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		data, err := c.fetch(ctx, target, s)
		if err == nil {
			out = data
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			c.logger.Warn("KBS refused session", "resource", uri.ResourcePath(), "status", se.StatusCode, "attempt", attempts)
			c.invalidate(epoch)
			return &AttestationError{Stage: StageResource, StatusCode: se.StatusCode, Detail: se.Detail, Err: se}
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), MaxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if retryable(err) {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrResourceFetchFailed, attempts, err)
		}
		return nil, err
	}
	c.logger.Debug("fetched KBS resource", "resource", uri.ResourcePath(), "attempts", attempts)
	return out, nil
}

func retryable(err error) bool {
	var ae *AttestationError
	return errors.As(err, &ae)
}

func (c *Client) fetch(ctx context.Context, target string, s *session) ([]byte, error) {
	var bearer string
	if s.token != nil {
		bearer = s.token.String()
	}
	body, err := c.do(ctx, "get resource", http.MethodGet, target, nil, bearer)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding resource response: %w", err)
	}
	plaintext, err := resp.Decrypt(s.teeKey)
	if err != nil {
		return nil, fmt.Errorf("decrypting resource: %w", err)
	}
	return plaintext, nil
}
