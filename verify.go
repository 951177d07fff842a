package idpauth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

var allowedAlgorithms = map[jwa.SignatureAlgorithm]struct{}{
	jwa.RS256: {}, jwa.RS384: {}, jwa.RS512: {},
	jwa.PS256: {}, jwa.PS384: {}, jwa.PS512: {},
	jwa.ES256: {}, jwa.ES384: {}, jwa.ES512: {},
	jwa.EdDSA: {},
}

const maxNumericDate = 1 << 62

type tokenHeader struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg"`
}

// Verify checks that token is signed by a key in keys, unexpired at now and
// issued for expectedAudience. On success it returns the full claims mapping
// decoded from the payload.
//
// Verify has no side effects and keeps no state, so it is safe for concurrent use.
// Key-set retrieval and refresh belong to the caller.
func Verify(token, expectedAudience string, keys jwk.Set, now time.Time) (map[string]any, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, newError(ErrCodeMalformedToken, fmt.Errorf("expected 3 segments, got %d", len(segments)))
	}

	header, err := decodeHeader(segments[0])
	if err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}

	key, ok := FindKey(keys, header.KeyID)
	if !ok {
		return nil, newError(ErrCodeUnknownKey, fmt.Errorf("kid %q not in key set", header.KeyID))
	}

	alg := jwa.SignatureAlgorithm(header.Algorithm)
	if _, ok := allowedAlgorithms[alg]; !ok {
		return nil, newError(ErrCodeSignatureInvalid, fmt.Errorf("algorithm %q not accepted", header.Algorithm))
	}
	if keyAlg := key.Algorithm(); keyAlg != nil && keyAlg.String() != "" && keyAlg.String() != header.Algorithm {
		return nil, newError(ErrCodeSignatureInvalid, fmt.Errorf("algorithm %q does not match key algorithm %q", header.Algorithm, keyAlg))
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, newError(ErrCodeSignatureInvalid, fmt.Errorf("key %q: %w", header.KeyID, err))
	}

	// The signature covers the exact "header.payload" bytes, not the decoded JSON.
	payload, err := jws.Verify([]byte(token), jws.WithKey(alg, raw))
	if err != nil {
		return nil, newError(ErrCodeSignatureInvalid, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, newError(ErrCodeMalformedToken, fmt.Errorf("decode claims: %w", err))
	}
	if claims == nil {
		return nil, newError(ErrCodeMalformedToken, errors.New("claims are empty"))
	}

	expiresAt, err := expiryOf(claims)
	if err != nil {
		return nil, newError(ErrCodeMalformedToken, err)
	}
	if now.After(expiresAt) {
		return nil, newError(ErrCodeExpired, fmt.Errorf("expired at %s", expiresAt.UTC().Format(time.RFC3339)))
	}

	if !audienceContains(claims["aud"], expectedAudience) {
		return nil, newError(ErrCodeAudienceMismatch, fmt.Errorf("audience %q not accepted", expectedAudience))
	}

	return claims, nil
}

func decodeHeader(segment string) (tokenHeader, error) {
	var header tokenHeader
	decoded, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return header, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(decoded, &header); err != nil {
		return header, fmt.Errorf("decode header: %w", err)
	}
	if header.KeyID == "" {
		return header, errors.New("header has no kid")
	}
	if header.Algorithm == "" {
		return header, errors.New("header has no alg")
	}
	return header, nil
}

func expiryOf(claims map[string]any) (time.Time, error) {
	value, ok := claims["exp"]
	if !ok {
		return time.Time{}, errors.New("exp claim missing")
	}
	exp, ok := numericDate(value)
	if !ok {
		return time.Time{}, fmt.Errorf("exp claim is not numeric: %v", value)
	}
	return exp, nil
}

// numericDate converts a JSON NumericDate (seconds, possibly fractional) to a time.
func numericDate(value any) (time.Time, bool) {
	f, ok := value.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	// Clamp to what time.Time can hold; such dates stay far past or far future.
	if f >= maxNumericDate {
		return time.Unix(maxNumericDate, 0), true
	}
	if f <= -maxNumericDate {
		return time.Unix(-maxNumericDate, 0), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))), true
}

func audienceContains(aud any, expected string) bool {
	switch v := aud.(type) {
	case string:
		return v == expected
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == expected {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == expected {
				return true
			}
		}
	}
	return false
}
