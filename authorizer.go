package idpauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Authorizer verifies bearer tokens against the cached key sets of the configured
// identity-provider domains.
type Authorizer struct {
	mu                sync.RWMutex
	domains           map[string]*domainState
	byHost            map[string]string
	defaultDomain     string
	allowEventDomains bool

	cacheCtx    context.Context
	cancelCache context.CancelFunc
	refreshes   singleflight.Group

	httpClient *http.Client
	log        *logrus.Logger
	metrics    *Metrics
	now        func() time.Time
}

type domainState struct {
	cfg   DomainConfig
	cache *jwk.Cache

	mu         sync.Mutex
	lastForced time.Time
}

// Option customizes an Authorizer.
type Option func(*Authorizer)

// WithLogger sets the logger used for rejected tokens and refresh failures.
func WithLogger(log *logrus.Logger) Option {
	return func(a *Authorizer) {
		a.log = log
	}
}

// WithMetrics records verification outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(a *Authorizer) {
		a.metrics = m
	}
}

// WithHTTPClient overrides the client used to fetch key sets.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authorizer) {
		a.httpClient = client
	}
}

// WithClock overrides the wall clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) {
		a.now = now
	}
}

// AuthorizerEvent is the request shape of the tenant authorizer: a token plus the
// identity-provider details stored for the tenant.
type AuthorizerEvent struct {
	JWTToken   string     `json:"jwtToken"`
	IdpDetails IdpDetails `json:"idpDetails"`
}

// IdpDetails wraps the identity-provider settings of a tenant.
type IdpDetails struct {
	Idp IdpSettings `json:"idp"`
}

// IdpSettings names the identity-provider domain a tenant signs in with.
type IdpSettings struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	ClientID string `json:"clientId"`
}

// NewAuthorizer builds an authorizer from the given configuration.
func NewAuthorizer(cfg Config, opts ...Option) (*Authorizer, error) {
	index, err := cfg.domainIndex()
	if err != nil {
		return nil, err
	}

	a := &Authorizer{
		domains:           make(map[string]*domainState, len(index)),
		byHost:            make(map[string]string, len(index)),
		allowEventDomains: cfg.AllowEventDomains,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = logrus.New()
		a.log.SetLevel(logrus.WarnLevel)
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.cacheCtx, a.cancelCache = context.WithCancel(context.Background())

	for name, domainCfg := range index {
		state, err := a.newDomainState(domainCfg)
		if err != nil {
			a.cancelCache()
			return nil, fmt.Errorf("register jwks for %q: %w", name, err)
		}
		a.addDomain(state)
		if len(index) == 1 {
			a.defaultDomain = name
		}
	}

	return a, nil
}

// RegisterDomain adds a domain after construction.
func (a *Authorizer) RegisterDomain(cfg DomainConfig) error {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("domain %q: %w", cfg.Name, err)
	}

	a.mu.RLock()
	_, exists := a.domains[cfg.Name]
	a.mu.RUnlock()
	if exists {
		return fmt.Errorf("duplicate domain name %q", cfg.Name)
	}

	state, err := a.newDomainState(cfg)
	if err != nil {
		return fmt.Errorf("register jwks for %q: %w", cfg.Name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.domains[cfg.Name]; exists {
		return fmt.Errorf("duplicate domain name %q", cfg.Name)
	}
	a.domains[cfg.Name] = state
	if cfg.Domain != "" {
		a.byHost[domainHost(cfg.Domain)] = cfg.Name
	}
	a.log.WithField("domain", cfg.Name).Info("registered identity provider domain")
	return nil
}

// Close stops background key-set refreshes.
func (a *Authorizer) Close() {
	a.cancelCache()
}

// Warmup refreshes the key set of the named domain.
func (a *Authorizer) Warmup(ctx context.Context, domainName string) error {
	state, ok := a.lookupDomain(domainName)
	if !ok {
		return newError(ErrCodeDomainNotRegistered, fmt.Errorf("domain %q not found", domainName))
	}
	refreshCtx, cancel := context.WithTimeout(ctx, state.cfg.HTTPTimeout)
	defer cancel()
	if _, err := state.cache.Refresh(refreshCtx, state.cfg.JWKSURL); err != nil {
		return newError(ErrCodeJWKSUnavailable, err)
	}
	return nil
}

// Authorize verifies the token against the key set of the named domain. An empty
// name selects the only configured domain.
//
// A token signed with a key the cached set does not know triggers one forced
// refresh of the set, after which verification is retried once.
func (a *Authorizer) Authorize(ctx context.Context, token, domainName string) (*Claims, error) {
	state, ok := a.lookupDomain(domainName)
	if !ok {
		err := newError(ErrCodeDomainNotRegistered, fmt.Errorf("domain %q not found", domainName))
		a.metrics.observeVerification(domainName, err)
		return nil, err
	}

	claims, err := a.authorize(ctx, token, state)
	a.metrics.observeVerification(state.cfg.Name, err)
	if err != nil {
		a.logRejection(state, err)
		return nil, err
	}
	return claims, nil
}

// AuthorizeEvent verifies the event's token against the domain named in its
// identity-provider details.
func (a *Authorizer) AuthorizeEvent(ctx context.Context, event AuthorizerEvent) (*Claims, error) {
	domain := event.IdpDetails.Idp.Domain
	if domain == "" {
		err := newError(ErrCodeDomainNotRegistered, errors.New("event has no identity provider domain"))
		a.metrics.observeVerification("", err)
		return nil, err
	}
	name, err := a.domainForEvent(domain)
	if err != nil {
		a.metrics.observeVerification(domainHost(domain), err)
		return nil, err
	}
	return a.Authorize(ctx, event.JWTToken, name)
}

func (a *Authorizer) authorize(ctx context.Context, token string, state *domainState) (*Claims, error) {
	if token == "" {
		return nil, newError(ErrCodeMalformedToken, errors.New("token is empty"))
	}

	keys, err := state.cache.Get(ctx, state.cfg.JWKSURL)
	if err != nil {
		return nil, newError(ErrCodeJWKSUnavailable, err)
	}

	raw, err := Verify(token, state.cfg.Audience, keys, a.now())
	if IsCode(err, ErrCodeUnknownKey) {
		refreshed, refreshErr := a.refresh(ctx, state)
		switch {
		case refreshErr != nil:
			a.log.WithError(refreshErr).WithField("domain", state.cfg.Name).Warn("jwks refresh after unknown kid failed")
		case refreshed != nil:
			raw, err = Verify(token, state.cfg.Audience, refreshed, a.now())
		}
	}
	if err != nil {
		return nil, err
	}
	return ClaimsFromMap(raw, state.cfg.ClaimNamespace), nil
}

// refresh forces at most one fetch per cooldown window; concurrent callers share it.
// A throttled refresh returns the currently cached set.
func (a *Authorizer) refresh(ctx context.Context, state *domainState) (jwk.Set, error) {
	v, err, _ := a.refreshes.Do(state.cfg.Name, func() (any, error) {
		if !state.claimRefresh(a.now()) {
			a.metrics.observeRefresh(state.cfg.Name, "throttled")
			// The last forced refresh may have finished after the caller read its set.
			set, err := state.cache.Get(ctx, state.cfg.JWKSURL)
			if err != nil {
				return nil, newError(ErrCodeJWKSUnavailable, err)
			}
			return set, nil
		}
		refreshCtx, cancel := context.WithTimeout(ctx, state.cfg.HTTPTimeout)
		defer cancel()
		set, err := state.cache.Refresh(refreshCtx, state.cfg.JWKSURL)
		if err != nil {
			a.metrics.observeRefresh(state.cfg.Name, "error")
			return nil, newError(ErrCodeJWKSUnavailable, err)
		}
		a.metrics.observeRefresh(state.cfg.Name, "ok")
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	set, _ := v.(jwk.Set)
	return set, nil
}

func (a *Authorizer) newDomainState(cfg DomainConfig) (*domainState, error) {
	httpClient := a.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
	}
	cache := jwk.NewCache(a.cacheCtx)
	if err := cache.Register(
		cfg.JWKSURL,
		jwk.WithMinRefreshInterval(cfg.MinRefresh),
		jwk.WithHTTPClient(httpClient),
	); err != nil {
		return nil, err
	}
	return &domainState{cfg: cfg, cache: cache}, nil
}

func (a *Authorizer) addDomain(state *domainState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.domains[state.cfg.Name] = state
	if state.cfg.Domain != "" {
		a.byHost[domainHost(state.cfg.Domain)] = state.cfg.Name
	}
}

func (a *Authorizer) lookupDomain(name string) (*domainState, bool) {
	if name == "" {
		name = a.defaultDomain
	}
	if name == "" {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.domains[name]
	return state, ok
}

func (a *Authorizer) domainForEvent(domain string) (string, error) {
	host := domainHost(domain)
	a.mu.RLock()
	name, ok := a.byHost[host]
	a.mu.RUnlock()
	if ok {
		return name, nil
	}
	if !a.allowEventDomains {
		return "", newError(ErrCodeDomainNotRegistered, fmt.Errorf("domain %q not found", host))
	}

	if err := a.RegisterDomain(DomainConfig{Domain: domain}); err != nil {
		// Another request may have registered the domain first.
		a.mu.RLock()
		name, ok = a.byHost[host]
		a.mu.RUnlock()
		if ok {
			return name, nil
		}
		return "", newError(ErrCodeInternal, err)
	}
	return host, nil
}

func (a *Authorizer) logRejection(state *domainState, err error) {
	code := CodeOf(err)
	entry := a.log.WithFields(logrus.Fields{
		"domain": state.cfg.Name,
		"code":   code,
	})
	switch code {
	case ErrCodeSignatureInvalid:
		entry.Warn("token signature rejected")
	case ErrCodeJWKSUnavailable, ErrCodeInternal:
		entry.WithError(err).Error("token verification failed")
	default:
		entry.Debug("token rejected")
	}
}

func (s *domainState) claimRefresh(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastForced.IsZero() && now.Sub(s.lastForced) < s.cfg.RefreshCooldown {
		return false
	}
	s.lastForced = now
	return true
}
