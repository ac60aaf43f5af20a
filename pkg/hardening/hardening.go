package hardening

import (
	"fmt"
	"strings"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity bool
	// UsesDatabase is false for services that never open DATABASE_URL.
	UsesDatabase           bool
	DatabaseRequireTLS     bool
	RedisEnabled           bool
	RedisRequireTLS        bool
	RedisTLSInsecure       bool
	RedisAllowInsecureTLS  bool
	CORSAllowedOrigins     string
	WSAllowedOrigins       string
	SecureUpstreams        []EnvRequirement
	RequiredServiceSecrets []EnvRequirement
}

// FromConfig maps the loaded configuration onto hardening options.
func FromConfig(cfg config.Config, usesDatabase bool) Options {
	return Options{
		Service:               cfg.Service,
		Environment:           cfg.Environment,
		StrictProdSecurity:    cfg.StrictProdSecurity,
		UsesDatabase:          usesDatabase,
		DatabaseRequireTLS:    cfg.Database.RequireTLS,
		RedisEnabled:          cfg.Redis.Enabled,
		RedisRequireTLS:       cfg.Redis.RequireTLS,
		RedisTLSInsecure:      cfg.Redis.TLSInsecure,
		RedisAllowInsecureTLS: cfg.Redis.AllowInsecureTLS,
		CORSAllowedOrigins:    cfg.HTTP.CORSAllowedOrigins,
		WSAllowedOrigins:      cfg.HTTP.WSAllowedOrigins,
	}
}

func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if o.UsesDatabase && !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if o.RedisEnabled {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, origin := range strings.Split(o.WSAllowedOrigins, ",") {
		if strings.TrimSpace(origin) == "*" {
			return fmt.Errorf("%s: strict production hardening forbids WS_ALLOWED_ORIGINS=*", service)
		}
	}
	for _, up := range o.SecureUpstreams {
		if v := strings.ToLower(strings.TrimSpace(up.Value)); v != "" && !strings.HasPrefix(v, "https://") {
			return fmt.Errorf("%s: strict production hardening requires https for %s", service, up.Name)
		}
	}
	for _, req := range o.RequiredServiceSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isProductionLikeEnv(raw string) bool {
	return config.Config{Environment: raw}.IsProduction()
}
