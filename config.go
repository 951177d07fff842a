package idpauth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMinRefresh      = 5 * time.Minute
	defaultHTTPTimeout     = 5 * time.Second
	defaultRefreshCooldown = 30 * time.Second
)

// Config describes all identity-provider domains the authorizer should trust.
type Config struct {
	Domains []DomainConfig `yaml:"domains"`
	// AllowEventDomains lets AuthorizeEvent register a domain it has not seen before.
	AllowEventDomains bool `yaml:"allowEventDomains"`
}

// DomainConfig contains verification parameters for one identity-provider domain.
type DomainConfig struct {
	Name           string `yaml:"name"`
	Domain         string `yaml:"domain"`
	JWKSURL        string `yaml:"jwksURL"`
	Audience       string `yaml:"audience"`
	ClaimNamespace string `yaml:"claimNamespace"`

	MinRefresh      time.Duration `yaml:"minRefresh"`
	HTTPTimeout     time.Duration `yaml:"httpTimeout"`
	RefreshCooldown time.Duration `yaml:"refreshCooldown"`
}

// JWKSURLForDomain returns the key-publication endpoint of a domain.
func JWKSURLForDomain(domain string) string {
	return domainBaseURL(domain) + "/.well-known/jwks.json"
}

// UserInfoAudience returns the default audience of tokens issued by a domain.
func UserInfoAudience(domain string) string {
	return domainBaseURL(domain) + "/userinfo"
}

func domainBaseURL(domain string) string {
	d := strings.TrimRight(strings.TrimSpace(domain), "/")
	if strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return d
	}
	return "https://" + d
}

func domainHost(domain string) string {
	d := strings.TrimRight(strings.TrimSpace(domain), "/")
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	return strings.ToLower(d)
}

// normalize sets default values for optional fields.
func (c *DomainConfig) normalize() {
	if c.Domain != "" {
		if c.Name == "" {
			c.Name = domainHost(c.Domain)
		}
		if c.JWKSURL == "" {
			c.JWKSURL = JWKSURLForDomain(c.Domain)
		}
		if c.Audience == "" {
			c.Audience = UserInfoAudience(c.Domain)
		}
	}
	c.ClaimNamespace = normalizeNamespace(c.ClaimNamespace)
	if c.MinRefresh <= 0 {
		c.MinRefresh = defaultMinRefresh
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.RefreshCooldown <= 0 {
		c.RefreshCooldown = defaultRefreshCooldown
	}
}

// validate ensures the normalized domain configuration is usable.
func (c DomainConfig) validate() error {
	switch {
	case c.Name == "":
		return errors.New("domain name is required")
	case c.JWKSURL == "":
		return errors.New("domain or jwks url is required")
	case c.Audience == "":
		return errors.New("audience is required")
	}
	return nil
}

// domainIndex returns the normalized configs mapped by name.
func (c Config) domainIndex() (map[string]DomainConfig, error) {
	if len(c.Domains) == 0 && !c.AllowEventDomains {
		return nil, errors.New("at least one domain must be configured")
	}
	index := make(map[string]DomainConfig, len(c.Domains))
	for _, domain := range c.Domains {
		clone := domain
		clone.normalize()
		if err := clone.validate(); err != nil {
			return nil, fmt.Errorf("domain %q: %w", domain.Name, err)
		}
		if _, exists := index[clone.Name]; exists {
			return nil, fmt.Errorf("duplicate domain name %q", clone.Name)
		}
		index[clone.Name] = clone
	}
	return index, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if _, err := cfg.domainIndex(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigFromEnv builds a single-domain configuration from IDP_* environment variables.
func ConfigFromEnv() (Config, error) {
	minRefresh, err := getEnvDuration("IDP_MIN_REFRESH")
	if err != nil {
		return Config{}, err
	}
	httpTimeout, err := getEnvDuration("IDP_HTTP_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	domain := DomainConfig{
		Name:           os.Getenv("IDP_NAME"),
		Domain:         os.Getenv("IDP_DOMAIN"),
		JWKSURL:        os.Getenv("IDP_JWKS_URL"),
		Audience:       os.Getenv("IDP_AUDIENCE"),
		ClaimNamespace: os.Getenv("IDP_CLAIM_NAMESPACE"),
		MinRefresh:     minRefresh,
		HTTPTimeout:    httpTimeout,
	}
	cfg := Config{Domains: []DomainConfig{domain}}
	if _, err := cfg.domainIndex(); err != nil {
		return Config{}, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return cfg, nil
}

func getEnvDuration(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
