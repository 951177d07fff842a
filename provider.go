package idpauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenFactory allows callers to override how machine-to-machine tokens are minted.
type TokenFactory func(context.Context, string, ProviderParams) (oauth2.TokenSource, error)

// ProviderConfig defines the default client used to mint tokens.
type ProviderConfig struct {
	Domain       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	TokenFactory TokenFactory
}

// Provider issues client-credentials access tokens from an identity-provider domain.
// It caches token sources per (audience, domain, client id, scopes) combination.
type Provider struct {
	mu       sync.RWMutex
	factory  TokenFactory
	entries  map[providerKey]*tokenSourceEntry
	defaults ProviderParams
}

type providerKey struct {
	Audience string
	Domain   string
	ClientID string
	Scopes   string
}

type tokenSourceEntry struct {
	source oauth2.TokenSource
}

// ProviderParams are the client settings used for a single token source.
type ProviderParams struct {
	Domain       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// TokenOption customizes the behaviour for a single Token call.
type TokenOption func(*ProviderParams)

// WithClientCredentials overrides the client used to mint the token.
func WithClientCredentials(clientID, clientSecret string) TokenOption {
	return func(p *ProviderParams) {
		p.ClientID = clientID
		p.ClientSecret = clientSecret
	}
}

// WithDomain overrides the identity-provider domain.
func WithDomain(domain string) TokenOption {
	return func(p *ProviderParams) {
		p.Domain = domain
	}
}

// WithScopes sets the requested scopes.
func WithScopes(scopes ...string) TokenOption {
	return func(p *ProviderParams) {
		p.Scopes = append([]string(nil), scopes...)
	}
}

// ManagementAudience returns the audience of the domain's management API.
func ManagementAudience(domain string) string {
	return domainBaseURL(domain) + "/api/v2/"
}

// NewProvider constructs a Provider using the supplied defaults.
func NewProvider(cfg ProviderConfig) *Provider {
	factory := cfg.TokenFactory
	if factory == nil {
		factory = defaultFactory
	}
	return &Provider{
		factory: factory,
		entries: make(map[providerKey]*tokenSourceEntry),
		defaults: ProviderParams{
			Domain:       cfg.Domain,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       append([]string(nil), cfg.Scopes...),
		},
	}
}

// Token returns an access token for the given audience.
func (p *Provider) Token(ctx context.Context, audience string, opts ...TokenOption) (string, error) {
	if strings.TrimSpace(audience) == "" {
		return "", errors.New("audience is required")
	}

	params := cloneParams(p.defaults)
	for _, opt := range opts {
		opt(&params)
	}

	key := providerKey{
		Audience: audience,
		Domain:   domainHost(params.Domain),
		ClientID: params.ClientID,
		Scopes:   strings.Join(params.Scopes, " "),
	}

	entry, err := p.getOrCreate(ctx, key, params)
	if err != nil {
		return "", err
	}

	tok, err := entry.source.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

func (p *Provider) getOrCreate(ctx context.Context, key providerKey, params ProviderParams) (*tokenSourceEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok = p.entries[key]; ok {
		return entry, nil
	}

	ts, err := p.factory(persistentContext(ctx), key.Audience, params)
	if err != nil {
		return nil, err
	}
	entry = &tokenSourceEntry{source: oauth2.ReuseTokenSource(nil, ts)}
	p.entries[key] = entry
	return entry, nil
}

func defaultFactory(ctx context.Context, audience string, params ProviderParams) (oauth2.TokenSource, error) {
	switch {
	case params.Domain == "":
		return nil, errors.New("domain is required")
	case params.ClientID == "":
		return nil, errors.New("client id is required")
	case params.ClientSecret == "":
		return nil, errors.New("client secret is required")
	}
	cfg := clientcredentials.Config{
		ClientID:       params.ClientID,
		ClientSecret:   params.ClientSecret,
		TokenURL:       domainBaseURL(params.Domain) + "/oauth/token",
		Scopes:         params.Scopes,
		EndpointParams: url.Values{"audience": {audience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}
	return cfg.TokenSource(ctx), nil
}

func cloneParams(in ProviderParams) ProviderParams {
	out := in
	if len(in.Scopes) > 0 {
		out.Scopes = append([]string(nil), in.Scopes...)
	}
	return out
}

func persistentContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	if _, ok := ctx.(*detachedContext); ok {
		return ctx
	}
	return &detachedContext{parent: ctx}
}

// detachedContext keeps the parent's values but never expires, so a cached
// token source can refresh after the first caller's context is cancelled.
type detachedContext struct {
	parent context.Context
}

func (d *detachedContext) Deadline() (time.Time, bool) {
	return time.Time{}, false
}

func (d *detachedContext) Done() <-chan struct{} {
	return nil
}

func (d *detachedContext) Err() error {
	return nil
}

func (d *detachedContext) Value(key any) any {
	if d.parent == nil {
		return nil
	}
	return d.parent.Value(key)
}
