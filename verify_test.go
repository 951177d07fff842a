package idpauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var verifyNow = time.Unix(1_700_000_000, 0)

func baseClaims() map[string]any {
	return map[string]any{
		"iss":                              "https://" + testDomain + "/",
		"sub":                              "auth0|user-1",
		"aud":                              []any{"api://saas-management-api", testAudience},
		"iat":                              float64(verifyNow.Add(-time.Minute).Unix()),
		"exp":                              float64(verifyNow.Add(time.Hour).Unix()),
		"https://saas-serverless/email":    "admin@tenant.example",
		"https://saas-serverless/tenantId": "tenant-1",
		"https://saas-serverless/roles":    "TenantAdmin",
	}
}

func TestVerify_Success(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})
	token := signClaims(t, key, testKID, baseClaims())

	claims, err := Verify(token, testAudience, keys, verifyNow)
	require.NoError(t, err)

	payload, err := jwsPayload(token)
	require.NoError(t, err)
	var expected map[string]any
	require.NoError(t, json.Unmarshal(payload, &expected))
	assert.Equal(t, expected, claims)
}

func TestVerify_ECDSAKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "ec-key"))
	keys := jwk.NewSet()
	require.NoError(t, keys.AddKey(pub))

	payload, err := json.Marshal(baseClaims())
	require.NoError(t, err)
	token := signPayload(t, key, jwa.ES256, "ec-key", payload)

	_, err = Verify(token, testAudience, keys, verifyNow)
	require.NoError(t, err)
}

func TestVerify_TamperedPayload(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})
	token := signClaims(t, key, testKID, baseClaims())
	parts := strings.Split(token, ".")

	t.Run("replaced claims", func(t *testing.T) {
		forged := baseClaims()
		forged["https://saas-serverless/roles"] = "SystemAdmin"
		tampered := parts[0] + "." + encodeSegment(t, forged) + "." + parts[2]

		_, err := Verify(tampered, testAudience, keys, verifyNow)
		assert.Equal(t, ErrCodeSignatureInvalid, CodeOf(err))
	})

	t.Run("single byte", func(t *testing.T) {
		for _, i := range []int{0, len(parts[1]) / 2, len(parts[1]) - 1} {
			b := []byte(parts[1])
			if b[i] == 'A' {
				b[i] = 'B'
			} else {
				b[i] = 'A'
			}
			tampered := parts[0] + "." + string(b) + "." + parts[2]

			_, err := Verify(tampered, testAudience, keys, verifyNow)
			assert.Equal(t, ErrCodeSignatureInvalid, CodeOf(err), "byte %d", i)
		}
	})

	t.Run("other key", func(t *testing.T) {
		forged := signClaims(t, newRSAKey(t), testKID, baseClaims())
		_, err := Verify(forged, testAudience, keys, verifyNow)
		assert.Equal(t, ErrCodeSignatureInvalid, CodeOf(err))
	})
}

func TestVerify_UnknownKey(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})
	token := signClaims(t, key, "rotated-key", baseClaims())

	_, err := Verify(token, testAudience, keys, verifyNow)
	assert.Equal(t, ErrCodeUnknownKey, CodeOf(err))

	_, err = Verify(token, testAudience, nil, verifyNow)
	assert.Equal(t, ErrCodeUnknownKey, CodeOf(err))
}

func TestVerify_Malformed(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})
	valid := signClaims(t, key, testKID, baseClaims())
	parts := strings.Split(valid, ".")

	noExp := baseClaims()
	delete(noExp, "exp")
	stringExp := baseClaims()
	stringExp["exp"] = "tomorrow"

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"two segments", parts[0] + "." + parts[1]},
		{"four segments", valid + ".extra"},
		{"header not base64", "***." + parts[1] + "." + parts[2]},
		{"header not json", encodeRaw("not-json") + "." + parts[1] + "." + parts[2]},
		{"header without kid", encodeSegment(t, map[string]string{"alg": "RS256"}) + "." + parts[1] + "." + parts[2]},
		{"header without alg", encodeSegment(t, map[string]string{"kid": testKID}) + "." + parts[1] + "." + parts[2]},
		{"payload not json", signPayload(t, key, jwa.RS256, testKID, []byte("not-json"))},
		{"payload not object", signPayload(t, key, jwa.RS256, testKID, []byte(`["a"]`))},
		{"missing exp", signClaims(t, key, testKID, noExp)},
		{"non numeric exp", signClaims(t, key, testKID, stringExp)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(tt.token, testAudience, keys, verifyNow)
			require.Error(t, err)
			assert.Equal(t, ErrCodeMalformedToken, CodeOf(err))
		})
	}
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})

	claims := baseClaims()
	exp := time.Unix(1_700_000_000, 0)
	claims["exp"] = float64(exp.Unix())
	token := signClaims(t, key, testKID, claims)

	_, err := Verify(token, testAudience, keys, exp)
	assert.NoError(t, err, "now == exp is still valid")

	_, err = Verify(token, testAudience, keys, exp.Add(time.Nanosecond))
	assert.Equal(t, ErrCodeExpired, CodeOf(err))

	_, err = Verify(token, testAudience, keys, exp.Add(time.Hour))
	assert.Equal(t, ErrCodeExpired, CodeOf(err))

	fractional := baseClaims()
	fractional["exp"] = 1_700_000_000.5
	token = signClaims(t, key, testKID, fractional)

	_, err = Verify(token, testAudience, keys, exp.Add(400*time.Millisecond))
	assert.NoError(t, err)
	_, err = Verify(token, testAudience, keys, exp.Add(600*time.Millisecond))
	assert.Equal(t, ErrCodeExpired, CodeOf(err))
}

func TestVerify_FarExpiry(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})

	tests := []struct {
		name    string
		exp     float64
		expired bool
	}{
		{"just below int64 range", 9.2e18, false},
		{"beyond int64 range", 1e19, false},
		{"huge", 1e300, false},
		{"huge negative", -1e300, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := baseClaims()
			claims["exp"] = tt.exp
			token := signClaims(t, key, testKID, claims)

			_, err := Verify(token, testAudience, keys, verifyNow)
			if tt.expired {
				assert.Equal(t, ErrCodeExpired, CodeOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestVerify_ExpiryCheckedBeforeAudience(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})
	claims := baseClaims()
	claims["exp"] = float64(verifyNow.Add(-time.Second).Unix())
	token := signClaims(t, key, testKID, claims)

	_, err := Verify(token, "some-other-service", keys, verifyNow)
	assert.Equal(t, ErrCodeExpired, CodeOf(err))
}

func TestVerify_Audience(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})

	withAud := func(aud any) string {
		claims := baseClaims()
		if aud == nil {
			delete(claims, "aud")
		} else {
			claims["aud"] = aud
		}
		return signClaims(t, key, testKID, claims)
	}

	tests := []struct {
		name     string
		aud      any
		expected string
		wantErr  bool
	}{
		{"array member", []string{"a", "b"}, "b", false},
		{"array non member", []string{"a", "b"}, "c", true},
		{"string equal", "a", "a", false},
		{"string substring", "abc", "b", true},
		{"missing", nil, "a", true},
		{"not a string", 42, "42", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Verify(withAud(tt.aud), tt.expected, keys, verifyNow)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, ErrCodeAudienceMismatch, CodeOf(err))
		})
	}
}

func TestVerify_RejectsUnacceptedAlgorithms(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})
	payload := encodeSegment(t, baseClaims())

	for _, alg := range []string{"none", "HS256"} {
		t.Run(alg, func(t *testing.T) {
			header := encodeSegment(t, map[string]string{"alg": alg, "kid": testKID, "typ": "JWT"})
			token := header + "." + payload + "." + encodeRaw("signature")

			_, err := Verify(token, testAudience, keys, verifyNow)
			assert.Equal(t, ErrCodeSignatureInvalid, CodeOf(err))
		})
	}
}

func TestVerify_KeyAlgorithmMismatch(t *testing.T) {
	key := newRSAKey(t)
	keys := jwk.NewSet()
	require.NoError(t, keys.AddKey(publicJWK(t, key, testKID, jwa.RS512)))
	token := signClaims(t, key, testKID, baseClaims())

	_, err := Verify(token, testAudience, keys, verifyNow)
	assert.Equal(t, ErrCodeSignatureInvalid, CodeOf(err))
}

func TestVerify_DuplicateKeyIDFirstWins(t *testing.T) {
	first := newRSAKey(t)
	second := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: "dup", key: first}, testKey{kid: "dup", key: second})

	_, err := Verify(signClaims(t, first, "dup", baseClaims()), testAudience, keys, verifyNow)
	assert.NoError(t, err)

	_, err = Verify(signClaims(t, second, "dup", baseClaims()), testAudience, keys, verifyNow)
	assert.Equal(t, ErrCodeSignatureInvalid, CodeOf(err))
}

func TestVerify_ConcurrentCallsIndependent(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: testKID, key: key})

	expired := baseClaims()
	expired["exp"] = float64(verifyNow.Add(-time.Minute).Unix())
	otherTenant := baseClaims()
	otherTenant["https://saas-serverless/tenantId"] = "tenant-2"

	tokens := []string{
		signClaims(t, key, testKID, baseClaims()),
		signClaims(t, key, testKID, expired),
		signClaims(t, key, "missing", baseClaims()),
		signClaims(t, key, testKID, otherTenant),
		"not.a-token",
	}

	type outcome struct {
		tenant string
		code   ErrorCode
	}
	run := func(token string) outcome {
		claims, err := Verify(token, testAudience, keys, verifyNow)
		if err != nil {
			return outcome{code: CodeOf(err)}
		}
		return outcome{tenant: ExtractTenantClaims(claims, "").TenantID}
	}

	want := make([]outcome, len(tokens))
	for i, token := range tokens {
		want[i] = run(token)
	}
	require.Equal(t, "tenant-1", want[0].tenant)
	require.Equal(t, ErrCodeExpired, want[1].code)
	require.Equal(t, ErrCodeUnknownKey, want[2].code)
	require.Equal(t, "tenant-2", want[3].tenant)
	require.Equal(t, ErrCodeMalformedToken, want[4].code)

	const rounds = 40
	got := make([]outcome, rounds*len(tokens))
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = run(tokens[i%len(tokens)])
		}(i)
	}
	wg.Wait()

	for i, o := range got {
		assert.Equal(t, want[i%len(tokens)], o, "call %d", i)
	}
}

func TestFindKey(t *testing.T) {
	key := newRSAKey(t)
	keys := keySetOf(t, testKey{kid: "a", key: key}, testKey{kid: "b", key: key})

	found, ok := FindKey(keys, "b")
	require.True(t, ok)
	assert.Equal(t, "b", found.KeyID())

	_, ok = FindKey(keys, "c")
	assert.False(t, ok)
	_, ok = FindKey(keys, "")
	assert.False(t, ok)
	_, ok = FindKey(nil, "a")
	assert.False(t, ok)
}

func TestParseKeySet(t *testing.T) {
	key := newRSAKey(t)
	data, err := json.Marshal(keySetOf(t, testKey{kid: testKID, key: key}))
	require.NoError(t, err)

	set, err := ParseKeySet(data)
	require.NoError(t, err)
	_, ok := FindKey(set, testKID)
	assert.True(t, ok)

	_, err = ParseKeySet([]byte("{"))
	assert.Error(t, err)
}

func jwsPayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	return base64RawURL.DecodeString(parts[1])
}
