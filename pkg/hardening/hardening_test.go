package hardening

import (
	"testing"

	"github.com/pradeepannepu/guardrails-as-a-service/pkg/config"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:                "evaluation",
		Environment:            "production",
		StrictProdSecurity:     true,
		UsesDatabase:           true,
		DatabaseRequireTLS:     true,
		RedisEnabled:           true,
		RedisRequireTLS:        true,
		CORSAllowedOrigins:     "https://console.example.com",
		SecureUpstreams:        []EnvRequirement{{Name: "EMBEDDING_URL", Value: "https://api.openai.com/v1/embeddings"}},
		RequiredServiceSecrets: []EnvRequirement{{Name: "OPENAI_API_KEY", Value: "sk-test"}},
	}

	cases := []struct {
		name    string
		mutate  func(o *Options)
		wantErr bool
	}{
		{"pass", func(*Options) {}, false},
		{"non_prod_skip", func(o *Options) {
			o.Environment = "development"
			o.DatabaseRequireTLS = false
			o.CORSAllowedOrigins = "*"
		}, false},
		{"strict_disabled_skip", func(o *Options) {
			o.StrictProdSecurity = false
			o.DatabaseRequireTLS = false
		}, false},
		{"db_tls_required", func(o *Options) { o.DatabaseRequireTLS = false }, true},
		{"db_unused_skips_tls", func(o *Options) {
			o.UsesDatabase = false
			o.DatabaseRequireTLS = false
		}, false},
		{"redis_tls_required", func(o *Options) { o.RedisRequireTLS = false }, true},
		{"redis_disabled_skips_tls", func(o *Options) {
			o.RedisEnabled = false
			o.RedisRequireTLS = false
		}, false},
		{"redis_insecure_forbidden", func(o *Options) { o.RedisTLSInsecure = true }, true},
		{"redis_allow_insecure_forbidden", func(o *Options) { o.RedisAllowInsecureTLS = true }, true},
		{"cors_wildcard", func(o *Options) { o.CORSAllowedOrigins = "*" }, true},
		{"cors_localhost", func(o *Options) { o.CORSAllowedOrigins = "http://localhost:3000" }, true},
		{"cors_http", func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, true},
		{"cors_empty", func(o *Options) { o.CORSAllowedOrigins = " , " }, true},
		{"ws_wildcard", func(o *Options) { o.WSAllowedOrigins = "https://a.example, *" }, true},
		{"upstream_plain_http", func(o *Options) {
			o.SecureUpstreams = []EnvRequirement{{Name: "EMBEDDING_URL", Value: "http://embeddings.internal"}}
		}, true},
		{"missing_secret", func(o *Options) {
			o.RequiredServiceSecrets = []EnvRequirement{{Name: "OPENAI_API_KEY", Value: " "}}
		}, true},
		{"unnamed_secret_ignored", func(o *Options) {
			o.RequiredServiceSecrets = []EnvRequirement{{Name: "", Value: ""}}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := base
			tc.mutate(&o)
			err := ValidateProduction(o)
			if tc.wantErr && err == nil {
				t.Fatal("expected hardening error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected pass, got %v", err)
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Config{
		Service:            "audit",
		Environment:        "staging",
		StrictProdSecurity: true,
		Database:           config.DatabaseConfig{RequireTLS: true},
		Redis:              config.RedisConfig{Enabled: true, RequireTLS: true, TLSInsecure: true},
		HTTP:               config.HTTPConfig{CORSAllowedOrigins: "https://ops.example.com"},
	}
	o := FromConfig(cfg, true)
	if o.Service != "audit" || !o.UsesDatabase || !o.RedisTLSInsecure {
		t.Fatalf("unexpected options: %+v", o)
	}
	if err := ValidateProduction(o); err == nil {
		t.Fatal("expected insecure redis TLS to be rejected")
	}
}
