// Package config loads the service configuration from YAML.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/analytics"
	"github.com/GoCodeAlone/linkbilling/cache"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/metrics"
	"github.com/GoCodeAlone/linkbilling/oauth"
	"github.com/GoCodeAlone/linkbilling/observability/tracing"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/registrar"
	"github.com/GoCodeAlone/linkbilling/secrets"
	"github.com/GoCodeAlone/linkbilling/store"
	"github.com/GoCodeAlone/linkbilling/webhook"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig            `yaml:"server" json:"server"`
	Log       LogConfig               `yaml:"log" json:"log"`
	Postgres  PostgresConfig          `yaml:"postgres" json:"postgres"`
	Redis     cache.RedisConfig       `yaml:"redis" json:"redis"`
	Stripe    StripeConfig            `yaml:"stripe" json:"stripe"`
	Queue     QueueConfig             `yaml:"queue" json:"queue"`
	Email     EmailConfig             `yaml:"email" json:"email"`
	Alerts    alert.SlackConfig       `yaml:"alerts" json:"alerts"`
	Analytics AnalyticsConfig         `yaml:"analytics" json:"analytics"`
	Registrar registrar.DynadotConfig `yaml:"registrar" json:"registrar"`
	OAuth     OAuthConfig             `yaml:"oauth" json:"oauth"`
	Metrics   metrics.Config          `yaml:"metrics" json:"metrics"`
	Tracing   tracing.Config          `yaml:"tracing" json:"tracing"`
	Vault     secrets.VaultConfig     `yaml:"vault" json:"vault"`
	App       AppConfig               `yaml:"app" json:"app"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" json:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

// PostgresConfig selects the relational store. An empty URL runs the
// service against the in-memory store.
type PostgresConfig struct {
	store.PGConfig `yaml:",inline" json:",inline"`
	AutoMigrate    bool `yaml:"auto_migrate" json:"auto_migrate"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key" json:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret" json:"webhook_secret"`
	// Prices maps a plan name to the Stripe price ids that bill it.
	Prices map[string][]string `yaml:"prices" json:"prices"`
}

type QueueConfig struct {
	Driver         string                 `yaml:"driver" json:"driver"` // qstash or redis
	QStash         queue.QStashConfig     `yaml:"qstash" json:"qstash"`
	Redis          queue.RedisQueueConfig `yaml:"redis" json:"redis"`
	Retry          webhook.RetryConfig    `yaml:"retry" json:"retry"`
	SigningKey     string                 `yaml:"signing_key" json:"signing_key"`
	NextSigningKey string                 `yaml:"next_signing_key" json:"next_signing_key"`
	SignatureTTL   time.Duration          `yaml:"signature_ttl" json:"signature_ttl"`
}

type EmailConfig struct {
	Driver string             `yaml:"driver" json:"driver"` // resend, nats or log
	Resend email.ResendConfig `yaml:"resend" json:"resend"`
	NATS   NATSConfig         `yaml:"nats" json:"nats"`
}

type NATSConfig struct {
	URL     string `yaml:"url" json:"url"`
	Subject string `yaml:"subject" json:"subject"`
}

type AnalyticsConfig struct {
	Driver   string                   `yaml:"driver" json:"driver"` // tinybird, kafka or none
	Tinybird analytics.TinybirdConfig `yaml:"tinybird" json:"tinybird"`
	Kafka    analytics.KafkaConfig    `yaml:"kafka" json:"kafka"`
}

type OAuthConfig struct {
	SuccessURL string            `yaml:"success_url" json:"success_url"`
	Bitly      oauth.Credentials `yaml:"bitly" json:"bitly"`
	HubSpot    oauth.Credentials `yaml:"hubspot" json:"hubspot"`
	Slack      oauth.Credentials `yaml:"slack" json:"slack"`
}

type AppConfig struct {
	// URL is the public base URL delayed jobs call back into.
	URL                  string `yaml:"url" json:"url"`
	FailureFeeCents      int64  `yaml:"failure_fee_cents" json:"failure_fee_cents"`
	PremiumDefaultDomain string `yaml:"premium_default_domain" json:"premium_default_domain"`
	// InternalToken guards the dead-letter routes.
	InternalToken string `yaml:"internal_token" json:"internal_token"`
}

// LoadFromFile reads a YAML file, expands secret references in every string
// value through resolver, and decodes the result. Defaults are applied but
// the config is not validated.
func LoadFromFile(ctx context.Context, path string, resolver *secrets.MultiResolver) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(ctx, data, resolver)
}

// Parse decodes a YAML document. See LoadFromFile.
func Parse(ctx context.Context, data []byte, resolver *secrets.MultiResolver) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if resolver != nil {
		if err := expandNode(ctx, &root, resolver, ""); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if len(root.Content) > 0 {
		if err := root.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// VaultSettings decodes only the top-level vault section of a document,
// expanding references with the providers already registered. Callers use
// it to register the Vault provider before expanding the full document.
func VaultSettings(ctx context.Context, data []byte, resolver *secrets.MultiResolver) (secrets.VaultConfig, error) {
	var vc secrets.VaultConfig
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return vc, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return vc, nil
	}
	doc := root.Content[0]
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "vault" {
			continue
		}
		section := doc.Content[i+1]
		if resolver != nil {
			if err := expandNode(ctx, section, resolver, "vault"); err != nil {
				return vc, err
			}
		}
		if err := section.Decode(&vc); err != nil {
			return vc, fmt.Errorf("failed to decode vault config: %w", err)
		}
	}
	return vc, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 20 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "qstash"
	}
	if c.Queue.QStash.BaseURL == "" {
		c.Queue.QStash.BaseURL = "https://qstash.upstash.io"
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "{linkbilling}:queue:"
	}
	if c.Queue.SignatureTTL == 0 {
		c.Queue.SignatureTTL = 5 * time.Minute
	}
	if c.Queue.Retry.MaxRetries == 0 {
		c.Queue.Retry = webhook.DefaultRetryConfig()
	}
	if c.Email.Driver == "" {
		c.Email.Driver = "log"
	}
	if c.Email.NATS.Subject == "" {
		c.Email.NATS.Subject = email.DefaultSubject
	}
	if c.Analytics.Driver == "" {
		c.Analytics.Driver = "none"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = metrics.DefaultConfig().Namespace
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = metrics.DefaultConfig().Path
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = tracing.DefaultConfig().ServiceName
	}
	if c.App.FailureFeeCents == 0 {
		c.App.FailureFeeCents = 1000
	}
	if c.App.PremiumDefaultDomain == "" {
		c.App.PremiumDefaultDomain = "dub.link"
	}
}

// expandNode resolves secret references in every scalar string below n.
// Mapping keys are left untouched.
func expandNode(ctx context.Context, n *yaml.Node, resolver *secrets.MultiResolver, path string) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for i, c := range n.Content {
			p := path
			if n.Kind == yaml.SequenceNode {
				p = fmt.Sprintf("%s[%d]", path, i)
			}
			if err := expandNode(ctx, c, resolver, p); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			p := n.Content[i].Value
			if path != "" {
				p = path + "." + p
			}
			if err := expandNode(ctx, n.Content[i+1], resolver, p); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if n.ShortTag() != "!!str" {
			return nil
		}
		v, err := resolver.Expand(ctx, n.Value)
		if err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		if v != n.Value {
			n.Value = v
			// Let plain scalars re-resolve so "${PORT}" can decode into an int.
			if n.Style == 0 {
				n.Tag = ""
			}
		}
	}
	return nil
}
