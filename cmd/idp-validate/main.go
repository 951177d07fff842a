package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	idpauth "github.com/tlotter/serverless-saas-idpauth"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	envPath := defaultEnvPath()
	if err := loadEnvFile(log, envPath); err != nil {
		log.WithError(err).Warnf("load %s", envPath)
	}

	domain := flag.String("domain", os.Getenv("IDP_DOMAIN"), "Identity provider domain (env IDP_DOMAIN)")
	audience := flag.String("audience", os.Getenv("IDP_AUDIENCE"), "Expected audience, defaults to https://<domain>/userinfo (env IDP_AUDIENCE)")
	jwksURL := flag.String("jwks-url", os.Getenv("IDP_JWKS_URL"), "JWKS URL, defaults to https://<domain>/.well-known/jwks.json (env IDP_JWKS_URL)")
	namespace := flag.String("namespace", os.Getenv("IDP_CLAIM_NAMESPACE"), "Application claim namespace (env IDP_CLAIM_NAMESPACE)")
	token := flag.String("token", os.Getenv("IDP_TOKEN"), "JWT to validate (env IDP_TOKEN)")
	clientID := flag.String("client-id", os.Getenv("IDP_CLIENT_ID"), "Client id used to mint a token when none is given (env IDP_CLIENT_ID)")
	clientSecret := flag.String("client-secret", os.Getenv("IDP_CLIENT_SECRET"), "Client secret used to mint a token (env IDP_CLIENT_SECRET)")
	configPath := flag.String("config", "", "Optional YAML configuration with one or more domains")
	domainName := flag.String("name", "", "Domain name to validate against when -config lists several")
	timeout := flag.Duration("timeout", 5*time.Second, "HTTP timeout for JWKS and token requests")
	envFileFlag := flag.String("env", envPath, "Optional path to .env file (default .env)")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if *envFileFlag != "" && *envFileFlag != envPath {
		if err := loadEnvFile(log, *envFileFlag); err != nil {
			log.WithError(err).Warnf("load %s", *envFileFlag)
		}
		reloadDefaults(map[*string]string{
			domain:       "IDP_DOMAIN",
			audience:     "IDP_AUDIENCE",
			jwksURL:      "IDP_JWKS_URL",
			namespace:    "IDP_CLAIM_NAMESPACE",
			token:        "IDP_TOKEN",
			clientID:     "IDP_CLIENT_ID",
			clientSecret: "IDP_CLIENT_SECRET",
		})
	}

	cfg, name, err := buildConfig(*configPath, *domainName, idpauth.DomainConfig{
		Domain:         *domain,
		JWKSURL:        *jwksURL,
		Audience:       *audience,
		ClaimNamespace: *namespace,
		HTTPTimeout:    *timeout,
	})
	if err != nil {
		flag.Usage()
		log.WithError(err).Fatal("invalid configuration")
	}

	if *token == "" {
		if *domain == "" || *clientID == "" || *clientSecret == "" {
			flag.Usage()
			log.Fatal("domain, client-id, and client-secret are required to mint a token")
		}
		mintAudience := *audience
		if mintAudience == "" {
			mintAudience = idpauth.ManagementAudience(*domain)
		}
		provider := idpauth.NewProvider(idpauth.ProviderConfig{
			Domain:       *domain,
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
		})
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		tok, err := provider.Token(ctx, mintAudience)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("fetch access token via client credentials")
		}
		*token = tok
		log.WithField("audience", mintAudience).Info("acquired access token via client credentials")
	}

	authorizer, err := idpauth.NewAuthorizer(cfg, idpauth.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("create authorizer")
	}
	defer authorizer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := authorizer.Warmup(ctx, name); err != nil {
		log.WithError(err).Warn("warmup failed")
	}

	claims, err := authorizer.Authorize(ctx, *token, name)
	if err != nil {
		log.WithField("code", idpauth.CodeOf(err)).WithError(err).Fatal("validation failed")
	}

	printClaims(claims)
}

func buildConfig(path, name string, flags idpauth.DomainConfig) (idpauth.Config, string, error) {
	if path != "" {
		cfg, err := idpauth.LoadConfig(path)
		if err != nil {
			return idpauth.Config{}, "", err
		}
		if name == "" && len(cfg.Domains) > 1 {
			return idpauth.Config{}, "", fmt.Errorf("-name is required, %s lists %d domains", path, len(cfg.Domains))
		}
		return cfg, name, nil
	}
	if flags.Domain == "" && flags.JWKSURL == "" {
		return idpauth.Config{}, "", errors.New("domain or jwks-url is required")
	}
	if flags.Domain == "" {
		flags.Name = "cli"
	}
	return idpauth.Config{Domains: []idpauth.DomainConfig{flags}}, name, nil
}

func defaultEnvPath() string {
	if path := os.Getenv("IDPAUTH_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

func reloadDefaults(values map[*string]string) {
	for target, key := range values {
		if target != nil && *target == "" {
			*target = os.Getenv(key)
		}
	}
}

func printClaims(claims *idpauth.Claims) {
	tenant := claims.Tenant()
	fmt.Println("== Identity provider JWT verified ==")
	fmt.Printf("subject      : %s\n", claims.Subject)
	fmt.Printf("issuer       : %s\n", claims.Issuer)
	fmt.Printf("audience     : %s\n", strings.Join(claims.Audience, ", "))
	if !claims.ExpiresAt.IsZero() {
		fmt.Printf("expires_at   : %s\n", claims.ExpiresAt.Format(time.RFC3339))
	}
	if !claims.IssuedAt.IsZero() {
		fmt.Printf("issued_at    : %s\n", claims.IssuedAt.Format(time.RFC3339))
	}
	if len(claims.Scopes) > 0 {
		fmt.Printf("scopes       : %s\n", strings.Join(claims.Scopes, " "))
	}
	fmt.Println("== Tenant ==")
	fmt.Printf("username     : %s\n", tenant.Username)
	fmt.Printf("tenant_id    : %s\n", tenant.TenantID)
	fmt.Printf("role         : %s\n", tenant.Role())
	if claims.Tier != "" {
		fmt.Printf("tier         : %s\n", claims.Tier)
	}
	if len(claims.CustomClaims) > 0 {
		keys := make([]string, 0, len(claims.CustomClaims))
		for k := range claims.CustomClaims {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("claims:")
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, claims.CustomClaims[k])
		}
	}
}

func loadEnvFile(log *logrus.Logger, path string) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Warnf("invalid line %d in %s", lineNum, filepath.Base(path))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key == "" {
			continue
		}
		if _, present := os.LookupEnv(key); present {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			log.WithError(err).Warnf("set env %s", key)
		}
	}
	return scanner.Err()
}
