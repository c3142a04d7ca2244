// Package fake implements an in-memory Key Broker Service and attestation
// service for tests. Sample evidence is checked against the report data the
// client is expected to derive; evidence of other TEEs is accepted as is.
package fake

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/google/go-kbs-client/attester"
	"github.com/google/go-kbs-client/envelope"
)

const (
	sessionCookie = "kbs-session-id"
	errorPrefix   = "https://github.com/confidential-containers/kbs/errors/"
)

// Counts records how many requests each endpoint served.
type Counts struct {
	Auth     int
	Attest   int
	Resource int
}

// TokenClaims are the claims of tokens issued by the fake.
type TokenClaims struct {
	jwt.RegisteredClaims
	TeePubKey json.RawMessage `json:"tee-pubkey"`
}

type fakeSession struct {
	nonce    string
	tee      string
	attested bool
	key      *rsa.PublicKey
	expires  time.Time
}

// KBS is a fake KBS. The exported fields must be set before serving.
type KBS struct {
	// SessionTTL is the lifetime of attested sessions.
	SessionTTL time.Duration
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// IssueTokens makes attest return a token, as an attestation service
	// does.
	IssueTokens bool
	// KeyWrapAlg is the alg used to wrap content keys.
	KeyWrapAlg string
	// ReportData recomputes the report data the client should have bound.
	ReportData func(nonce string, key jose.JSONWebKey) ([]byte, error)

	signer *rsa.PrivateKey

	mu             sync.Mutex
	sessions       map[string]*fakeSession
	resources      map[string][]byte
	trusted        []*rsa.PublicKey
	rejectAttest   int
	rejectResource int
	counts         Counts
}

// New returns a fake with an RSA token signing key.
func New() (*KBS, error) {
	signer, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	return &KBS{
		SessionTTL: 5 * time.Minute,
		TokenTTL:   5 * time.Minute,
		KeyWrapAlg: "RSA1_5",
		ReportData: DefaultReportData,
		signer:     signer,
		sessions:   make(map[string]*fakeSession),
		resources:  make(map[string][]byte),
		trusted:    []*rsa.PublicKey{&signer.PublicKey},
	}, nil
}

// DefaultReportData is SHA-384 over {"nonce":...,"tee-pubkey":...}.
func DefaultReportData(nonce string, key jose.JSONWebKey) ([]byte, error) {
	data, err := json.Marshal(struct {
		Nonce     string          `json:"nonce"`
		TeePubKey jose.JSONWebKey `json:"tee-pubkey"`
	}{nonce, key})
	if err != nil {
		return nil, err
	}
	sum := sha512.Sum384(data)
	return sum[:], nil
}

// SetResource stores data under "repository/type/tag".
func (k *KBS) SetResource(path string, data []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.resources[path] = append([]byte(nil), data...)
}

// TokenKey returns the public key tokens are signed with.
func (k *KBS) TokenKey() *rsa.PublicKey {
	return &k.signer.PublicKey
}

// TrustTokenKey accepts bearer tokens signed by pub.
func (k *KBS) TrustTokenKey(pub *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.trusted = append(k.trusted, pub)
}

// RejectAttestations makes the next n attest requests fail with 401.
func (k *KBS) RejectAttestations(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rejectAttest = n
}

// RejectResources makes the next n resource requests fail with 401. A
// negative n rejects all of them.
func (k *KBS) RejectResources(n int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rejectResource = n
}

// ExpireSessions forgets every session.
func (k *KBS) ExpireSessions() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sessions = make(map[string]*fakeSession)
}

// Counts returns the request counters.
func (k *KBS) Counts() Counts {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.counts
}

// IssueToken signs a token bound to key with the given validity window.
func (k *KBS) IssueToken(key jose.JSONWebKey, notBefore, expiry time.Time) (string, error) {
	rawKey, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		TeePubKey: rawKey,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k.signer)
}

// Handler returns the KBS HTTP API.
func (k *KBS) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /kbs/v0/auth", k.auth)
	mux.HandleFunc("POST /kbs/v0/attest", k.attest)
	mux.HandleFunc("GET /kbs/v0/resource/{repository}/{type}/{tag}", k.getResource)
	return mux
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"type": errorPrefix + kind, "detail": detail})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (k *KBS) auth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version     string `json:"version"`
		Tee         string `json:"tee"`
		ExtraParams string `json:"extra-params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.Version != "0.1.0" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "unsupported protocol version "+req.Version)
		return
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	nonce := base64.StdEncoding.EncodeToString(raw)
	id := uuid.NewString()

	k.mu.Lock()
	k.counts.Auth++
	k.sessions[id] = &fakeSession{nonce: nonce, tee: req.Tee, expires: time.Now().Add(k.SessionTTL)}
	k.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/kbs/v0", HttpOnly: true})
	writeJSON(w, map[string]string{"nonce": nonce, "extra-params": ""})
}

func (k *KBS) session(r *http.Request) (*fakeSession, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	s, ok := k.sessions[c.Value]
	if !ok || time.Now().After(s.expires) {
		return nil, false
	}
	return s, true
}

func (k *KBS) attest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeePubKey   jose.JSONWebKey `json:"tee-pubkey"`
		TeeEvidence string          `json:"tee-evidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.counts.Attest++
	s, ok := k.session(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "UnAuthenticated", "no session")
		return
	}
	if k.rejectAttest > 0 {
		k.rejectAttest--
		writeError(w, http.StatusUnauthorized, "AttestationFailed", "evidence rejected")
		return
	}
	pub, ok := req.TeePubKey.Key.(*rsa.PublicKey)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "tee-pubkey is not an RSA public key")
		return
	}
	if err := k.verifyEvidence(s, req.TeePubKey, []byte(req.TeeEvidence)); err != nil {
		writeError(w, http.StatusUnauthorized, "AttestationFailed", err.Error())
		return
	}
	s.attested = true
	s.key = pub

	if !k.IssueTokens {
		w.WriteHeader(http.StatusOK)
		return
	}
	now := time.Now()
	tok, err := k.IssueToken(req.TeePubKey, now.Add(-time.Minute), now.Add(k.TokenTTL))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "TokenIssueFailed", err.Error())
		return
	}
	writeJSON(w, map[string]string{"token": tok})
}

func (k *KBS) verifyEvidence(s *fakeSession, key jose.JSONWebKey, evidence []byte) error {
	if s.tee != string(attester.TeeSample) {
		return nil
	}
	got, err := attester.ParseSampleEvidence(evidence)
	if err != nil {
		return err
	}
	want, err := k.ReportData(s.nonce, key)
	if err != nil {
		return err
	}
	if string(got) != string(want) {
		return errors.New("report data does not match nonce and public key")
	}
	return nil
}

// resourceKey returns the key a resource request is authorized for, from a
// bearer token or an attested session.
func (k *KBS) resourceKey(r *http.Request) (*rsa.PublicKey, error) {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		claims, err := k.verifyToken(raw)
		if err != nil {
			return nil, err
		}
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(claims.TeePubKey, &jwk); err != nil {
			return nil, fmt.Errorf("token tee-pubkey: %w", err)
		}
		pub, ok := jwk.Key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("token tee-pubkey is not an RSA key")
		}
		return pub, nil
	}
	s, ok := k.session(r)
	if !ok || !s.attested {
		return nil, errors.New("no attested session")
	}
	return s.key, nil
}

func (k *KBS) verifyToken(raw string) (*TokenClaims, error) {
	var lastErr error
	for _, pub := range k.trusted {
		claims := &TokenClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return pub, nil },
			jwt.WithValidMethods([]string{"RS256"}))
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("invalid token: %w", lastErr)
}

func (k *KBS) getResource(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("repository") + "/" + r.PathValue("type") + "/" + r.PathValue("tag")

	k.mu.Lock()
	k.counts.Resource++
	reject := k.rejectResource != 0
	if k.rejectResource > 0 {
		k.rejectResource--
	}
	pub, authErr := k.resourceKey(r)
	data, found := k.resources[path]
	alg := k.KeyWrapAlg
	k.mu.Unlock()

	if reject {
		writeError(w, http.StatusUnauthorized, "TokenExpired", "session rejected")
		return
	}
	if authErr != nil {
		writeError(w, http.StatusUnauthorized, "UnAuthenticated", authErr.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "ResourceNotFound", "resource "+path+" not found")
		return
	}
	resp, err := Encrypt(pub, alg, data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, resp)
}

// Encrypt builds the JWE JSON response for data, wrapping a random content
// key to pub with alg.
func Encrypt(pub *rsa.PublicKey, alg string, data []byte) (map[string]string, error) {
	header, err := json.Marshal(map[string]string{"alg": alg, "enc": string(envelope.A256GCM)})
	if err != nil {
		return nil, err
	}
	protected := base64.RawURLEncoding.EncodeToString(header)

	cek := make([]byte, envelope.KeySize)
	if _, err := rand.Read(cek); err != nil {
		return nil, err
	}
	var wrapped []byte
	switch alg {
	case "RSA1_5":
		wrapped, err = rsa.EncryptPKCS1v15(rand.Reader, pub, cek)
	case "RSA-OAEP-256":
		wrapped, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, cek, nil)
	default:
		err = fmt.Errorf("unsupported alg %q", alg)
	}
	if err != nil {
		return nil, err
	}
	iv, err := envelope.NewIV(envelope.A256GCM)
	if err != nil {
		return nil, err
	}
	sealed, err := envelope.Seal(cek, iv, data, []byte(protected))
	if err != nil {
		return nil, err
	}
	tagStart := len(sealed) - 16
	enc := base64.RawURLEncoding.EncodeToString
	return map[string]string{
		"protected":     protected,
		"encrypted_key": enc(wrapped),
		"iv":            enc(iv),
		"ciphertext":    enc(sealed[:tagStart]),
		"tag":           enc(sealed[tagStart:]),
	}, nil
}
