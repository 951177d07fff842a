package idpauth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/sirupsen/logrus"
)

const (
	testKID      = "test-key"
	testDomain   = "tenant.example.auth0.com"
	testAudience = "https://tenant.example.auth0.com/userinfo"
)

var base64RawURL = base64.RawURLEncoding

type testKey struct {
	kid string
	key *rsa.PrivateKey
}

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func publicJWK(t *testing.T, key *rsa.PrivateKey, kid string, alg jwa.SignatureAlgorithm) jwk.Key {
	t.Helper()
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if alg != "" {
		if err := pub.Set(jwk.AlgorithmKey, alg); err != nil {
			t.Fatalf("set alg: %v", err)
		}
	}
	return pub
}

func keySetOf(t *testing.T, keys ...testKey) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		if err := set.AddKey(publicJWK(t, k.key, k.kid, jwa.RS256)); err != nil {
			t.Fatalf("add key: %v", err)
		}
	}
	return set
}

func signPayload(t *testing.T, key any, alg jwa.SignatureAlgorithm, kid string, payload []byte) string {
	t.Helper()
	headers := jws.NewHeaders()
	if kid != "" {
		if err := headers.Set(jws.KeyIDKey, kid); err != nil {
			t.Fatalf("set kid header: %v", err)
		}
	}
	signed, err := jws.Sign(payload, jws.WithKey(alg, key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		t.Fatalf("sign payload: %v", err)
	}
	return string(signed)
}

func signClaims(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return signPayload(t, key, jwa.RS256, kid, payload)
}

func encodeSegment(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal segment: %v", err)
	}
	return base64RawURL.EncodeToString(data)
}

func encodeRaw(s string) string {
	return base64RawURL.EncodeToString([]byte(s))
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// jwksServer publishes a key set that tests can rotate.
type jwksServer struct {
	*httptest.Server
	mu      sync.Mutex
	payload []byte
	hits    atomic.Int32
}

func newJWKSServer(t *testing.T, set jwk.Set) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.setKeys(t, set)
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func newTLSJWKSServer(t *testing.T, set jwk.Set) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.setKeys(t, set)
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(t *testing.T, set jwk.Set) {
	t.Helper()
	payload, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	s.mu.Lock()
	s.payload = payload
	s.mu.Unlock()
}

func (s *jwksServer) serve(w http.ResponseWriter, _ *http.Request) {
	s.hits.Add(1)
	s.mu.Lock()
	payload := s.payload
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}
