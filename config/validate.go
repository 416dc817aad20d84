package config

import (
	"fmt"
	"net/url"

	"github.com/GoCodeAlone/linkbilling/schema"
)

// Validate checks the configuration and returns schema.ValidationErrors, or nil.
func (c *Config) Validate() error {
	var errs schema.ValidationErrors

	if c.Stripe.SecretKey == "" {
		errs.Add("stripe.secret_key", "is required")
	}
	if c.Stripe.WebhookSecret == "" {
		errs.Add("stripe.webhook_secret", "is required")
	}
	seen := make(map[string]string)
	for plan, ids := range c.Stripe.Prices {
		for _, id := range ids {
			if other, ok := seen[id]; ok && other != plan {
				errs.Add("stripe.prices."+plan, "price %q is also listed under %q", id, other)
			}
			seen[id] = plan
		}
	}

	if c.App.URL == "" {
		errs.Add("app.url", "is required")
	} else if u, err := url.Parse(c.App.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs.Add("app.url", "must be an absolute URL")
	}
	if c.App.FailureFeeCents < 0 {
		errs.Add("app.failure_fee_cents", "must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs.Add("log.level", "unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs.Add("log.format", "must be text or json")
	}

	switch c.Queue.Driver {
	case "qstash":
		if c.Queue.QStash.Token == "" {
			errs.Add("queue.qstash.token", "is required for the qstash driver")
		}
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			errs.Add("redis.addrs", "is required for the redis queue driver")
		}
	default:
		errs.Add("queue.driver", "must be qstash or redis")
	}
	if c.Queue.SigningKey == "" {
		errs.Add("queue.signing_key", "is required")
	}

	switch c.Email.Driver {
	case "log":
	case "resend":
		if c.Email.Resend.APIKey == "" {
			errs.Add("email.resend.api_key", "is required for the resend driver")
		}
		if c.Email.Resend.From == "" {
			errs.Add("email.resend.from", "is required for the resend driver")
		}
	case "nats":
		if c.Email.NATS.URL == "" {
			errs.Add("email.nats.url", "is required for the nats driver")
		}
	default:
		errs.Add("email.driver", "must be resend, nats or log")
	}

	switch c.Analytics.Driver {
	case "none":
	case "tinybird":
		if c.Analytics.Tinybird.Token == "" {
			errs.Add("analytics.tinybird.token", "is required for the tinybird driver")
		}
	case "kafka":
		if len(c.Analytics.Kafka.Brokers) == 0 {
			errs.Add("analytics.kafka.brokers", "is required for the kafka driver")
		}
	default:
		errs.Add("analytics.driver", "must be tinybird, kafka or none")
	}

	if c.Postgres.AutoMigrate && c.Postgres.URL == "" {
		errs.Add("postgres.auto_migrate", "requires postgres.url")
	}

	if err := errs.Err(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
