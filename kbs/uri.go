package kbs

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/go-kbs-client/resource"
)

// APIPrefix is the path prefix of every KBS endpoint.
const APIPrefix = "/kbs/v0"

// KbsURI is the base URL of a KBS.
type KbsURI struct {
	url  *url.URL
	addr string
}

// ParseKbsURI parses the base URL of a KBS. It must be an http or https URL
// with a host.
func ParseKbsURI(s string) (*KbsURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidKBSURL, s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidKBSURL, s, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidKBSURL, s)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return &KbsURI{url: u, addr: hostAddr(u)}, nil
}

// hostAddr is the host, followed by the port only when the URL names one
// that is not the scheme default.
func hostAddr(u *url.URL) string {
	host, port := u.Hostname(), u.Port()
	if port != "" && port != defaultPort(u.Scheme) {
		return net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// Addr returns host[:port] of the KBS.
func (k *KbsURI) Addr() string {
	return k.addr
}

func (k *KbsURI) String() string {
	return k.url.String()
}

func (k *KbsURI) base() string {
	return strings.TrimSuffix(k.url.String(), "/")
}

// endpoint returns the URL of a protocol endpoint such as "auth".
func (k *KbsURI) endpoint(name string) string {
	return k.base() + APIPrefix + "/" + name
}

// WithResource returns the URL res is fetched from. A non-empty KBS address
// in res must name this KBS.
func (k *KbsURI) WithResource(res resource.URI) (string, error) {
	if res.KBSAddr != "" && res.KBSAddr != k.addr && res.KBSAddr != k.url.Host {
		return "", fmt.Errorf("%w: resource names %q, client is configured for %q", ErrHostMismatch, res.KBSAddr, k.addr)
	}
	return k.endpoint("resource/" + res.ResourcePath()), nil
}
