// Package resource parses and formats the KBS resource identifiers used to
// name secrets held by a Key Broker Service.
package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URI scheme of every resource identifier.
const Scheme = "kbs"

// ErrInvalidURI is returned when a string is not a valid resource URI.
var ErrInvalidURI = errors.New("invalid resource uri")

// URI addresses one resource held by a KBS:
//
//	kbs://[host[:port]]/repository/type/tag
//
// An empty KBSAddr defers to whichever KBS the client is configured with.
type URI struct {
	KBSAddr    string
	Repository string
	Type       string
	Tag        string
}

// Parse parses s as a resource URI. The path must contain exactly three
// segments; empty segments are kept as-is.
func Parse(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("%w %q: %v", ErrInvalidURI, s, err)
	}
	if u.Scheme != Scheme {
		return URI{}, fmt.Errorf("%w %q: scheme must be %q, got %q", ErrInvalidURI, s, Scheme, u.Scheme)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return URI{}, fmt.Errorf("%w %q: userinfo, query and fragment are not allowed", ErrInvalidURI, s)
	}
	if !strings.HasPrefix(u.Path, "/") {
		return URI{}, fmt.Errorf("%w %q: missing resource path", ErrInvalidURI, s)
	}
	segs := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segs) != 3 {
		return URI{}, fmt.Errorf("%w %q: want repository/type/tag, got %d path segments", ErrInvalidURI, s, len(segs))
	}
	return URI{
		KBSAddr:    u.Host,
		Repository: segs[0],
		Type:       segs[1],
		Tag:        segs[2],
	}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ResourcePath returns "repository/type/tag".
func (u URI) ResourcePath() string {
	return u.Repository + "/" + u.Type + "/" + u.Tag
}

func (u URI) String() string {
	return Scheme + "://" + u.KBSAddr + "/" + u.ResourcePath()
}

// MarshalJSON encodes the URI in its string form.
func (u URI) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON decodes a URI from its string form.
func (u *URI) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
