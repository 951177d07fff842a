package idpauth

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ParseKeySet parses a published JWKS document.
func ParseKeySet(data []byte) (jwk.Set, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	return set, nil
}

// FindKey returns the first key in set whose key id equals kid.
// Key ids are expected to be unique; when they are not, the earliest key wins.
func FindKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if set == nil || kid == "" {
		return nil, false
	}
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyID() == kid {
			return key, true
		}
	}
	return nil, false
}
