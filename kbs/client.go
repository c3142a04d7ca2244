// Package kbs implements the client side of the Key Broker Service protocol:
// attesting a TEE to a KBS, directly or through an attestation service
// token, and retrieving the resources the KBS releases to it.
package kbs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/google/go-kbs-client/internal/logging"
	"github.com/google/go-kbs-client/keypair"
	"github.com/google/go-kbs-client/token"
)

const (
	// MaxAttempts bounds the number of resource requests per GetResource.
	MaxAttempts = 3

	retryInterval   = 100 * time.Millisecond
	maxResponseSize = 64 << 20
	maxErrorSize    = 1 << 20
)

// session is what a successful handshake leaves behind, besides the cookie
// in the jar.
type session struct {
	teeKey *keypair.TeeKeyPair
	// token is presented as a bearer credential when set.
	token *token.Token
	// ownsKey is set when teeKey came with the session rather than from the
	// client.
	ownsKey bool
}

// usable reports whether requests can be made with s at now.
func (s *session) usable(now time.Time) bool {
	return s != nil && (s.token == nil || s.token.Check(now) == nil)
}

// strategy establishes sessions. backgroundCheck and passport are the only
// implementations.
type strategy interface {
	handshake(ctx context.Context, c *Client) (*session, error)
	name() string
}

// Client retrieves resources from one KBS. It is safe for concurrent use;
// concurrent callers share a single session and at most one handshake runs
// at a time.
type Client struct {
	kbsURI     *KbsURI
	http       *http.Client
	jar        *sessionJar
	strategy   strategy
	binder     ReportDataBinder
	logger     logging.Logger
	newBackOff func() backoff.BackOff

	// authMu serializes handshakes.
	authMu sync.Mutex

	mu      sync.RWMutex
	teeKey  *keypair.TeeKeyPair
	session *session
	// epoch changes whenever session is replaced or dropped.
	epoch uint64
	// retired is the key of the previous passport session, kept until the
	// next replacement so in-flight decryptions can finish.
	retired *keypair.TeeKeyPair
}

// KbsURI returns the KBS the client talks to.
func (c *Client) KbsURI() *KbsURI {
	return c.kbsURI
}

// Token returns the token of the current session, or nil.
func (c *Client) Token() *token.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	return c.session.token
}

// Close wipes every key pair held by the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.ownsKey {
		c.session.teeKey.Close()
	}
	c.session = nil
	c.retired.Close()
	c.retired = nil
	c.teeKey.Close()
	c.teeKey = nil
	return nil
}

// ensureSession returns a usable session and its epoch, running a handshake
// if there is none. A caller that finds a handshake in progress waits for it
// and uses its result.
func (c *Client) ensureSession(ctx context.Context) (*session, uint64, error) {
	c.mu.RLock()
	s, epoch := c.session, c.epoch
	c.mu.RUnlock()
	if s.usable(time.Now()) {
		return s, epoch, nil
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.mu.RLock()
	s, epoch = c.session, c.epoch
	c.mu.RUnlock()
	if s.usable(time.Now()) {
		return s, epoch, nil
	}

	c.logger.Debug("starting KBS handshake", "kbs", c.kbsURI.Addr(), "strategy", c.strategy.name())
	s, err := c.strategy.handshake(ctx, c)
	if err != nil {
		c.logger.Debug("KBS handshake failed", "kbs", c.kbsURI.Addr(), "error", err)
		return nil, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceSessionLocked(s)
	c.logger.Debug("KBS session established", "kbs", c.kbsURI.Addr(), "epoch", c.epoch)
	return s, c.epoch, nil
}

func (c *Client) replaceSessionLocked(s *session) {
	if old := c.session; old != nil && old.ownsKey && (s == nil || old.teeKey != s.teeKey) {
		c.retired.Close()
		c.retired = old.teeKey
	}
	c.session = s
	c.epoch++
}

// invalidate drops the session if it is still the one from epoch.
func (c *Client) invalidate(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.replaceSessionLocked(nil)
	if err := c.jar.Reset(); err != nil {
		c.logger.Warn("cannot reset KBS cookie jar", "error", err)
	}
	c.logger.Debug("KBS session invalidated", "kbs", c.kbsURI.Addr())
}

func (c *Client) clientKey() *keypair.TeeKeyPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.teeKey
}

// releaseKey hands the client key pair to the caller; Close no longer
// touches it.
func (c *Client) releaseKey() *keypair.TeeKeyPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.teeKey
	c.teeKey = nil
	c.session = nil
	return k
}

// do sends a request with an optional JSON body and returns the body of a
// 200 response. Other statuses are returned as *StatusError and transport
// failures as *TransportError.
func (c *Client) do(ctx context.Context, op, method, url string, reqBody any, bearer string) ([]byte, error) {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("%s: encoding request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}
	return respBody, nil
}

func readStatusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSize))
	var info ErrorInformation
	if json.Unmarshal(data, &info) == nil && (info.Type != "" || info.Detail != "") {
		se.Type, se.Detail = info.Type, info.Detail
	} else {
		se.Detail = strings.TrimSpace(string(data))
	}
	return se
}

// handshakeError turns a failed handshake request into an AttestationError,
// leaving transport failures alone.
func handshakeError(stage Stage, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var ae *AttestationError
	if errors.As(err, &ae) {
		return err
	}
	var se *StatusError
	if errors.As(err, &se) {
		return &AttestationError{Stage: stage, StatusCode: se.StatusCode, Detail: se.Detail, Err: se}
	}
	return &AttestationError{Stage: stage, Err: err}
}

func userAgent() string {
	return "kbs-client/" + Version
}
