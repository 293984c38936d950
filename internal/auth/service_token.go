// Package auth verifies the internal service tokens that guard every engine
// operation. End-user credentials are never accepted here.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Caller identifies the internal service that presented a token.
type Caller struct {
	Service string `json:"service"`
}

type serviceToken struct {
	service string
	digest  [sha256.Size]byte
}

type ServiceTokens struct {
	tokens []serviceToken
}

// NewServiceTokens parses "name:token" entries. A bare token is registered
// under the name "service-N".
func NewServiceTokens(entries []string) (*ServiceTokens, error) {
	v := &ServiceTokens{}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, token, found := strings.Cut(entry, ":")
		if !found {
			name, token = fmt.Sprintf("service-%d", i+1), entry
		}
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if name == "" || token == "" {
			return nil, fmt.Errorf("service token %d is malformed", i+1)
		}
		if len(token) < 16 {
			return nil, fmt.Errorf("service token for %s must be at least 16 characters", name)
		}
		v.tokens = append(v.tokens, serviceToken{service: name, digest: sha256.Sum256([]byte(token))})
	}
	if len(v.tokens) == 0 {
		return nil, errors.New("no service tokens configured")
	}
	return v, nil
}

// VerifyAccessToken compares digests in constant time and checks every
// registered token so timing does not reveal which entry matched.
func (v *ServiceTokens) VerifyAccessToken(_ context.Context, token string) (Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Caller{}, ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(token))
	matched := -1
	for i, t := range v.tokens {
		if subtle.ConstantTimeCompare(digest[:], t.digest[:]) == 1 && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return Caller{}, ErrUnauthorized
	}
	return Caller{Service: v.tokens[matched].service}, nil
}

type callerKey struct{}

func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
