package secrets

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// refPattern matches ${scheme:key} and bare ${VAR_NAME}.
// Examples: ${vault:linkbilling/stripe#secret_key}, ${file:stripe-webhook-secret}, ${STRIPE_SECRET_KEY}
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// MultiResolver expands secret references using providers keyed by scheme.
// Bare ${VAR_NAME} references resolve through the "env" provider.
type MultiResolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewMultiResolver creates a MultiResolver with an EnvProvider registered
// under "env".
func NewMultiResolver() *MultiResolver {
	return &MultiResolver{
		providers: map[string]Provider{"env": NewEnvProvider("")},
	}
}

// Register adds or replaces the provider for scheme.
func (m *MultiResolver) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Provider returns the provider for scheme, or nil.
func (m *MultiResolver) Provider(scheme string) Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[scheme]
}

// Expand replaces every reference in input with its resolved value. The
// first failing reference aborts the expansion.
func (m *MultiResolver) Expand(ctx context.Context, input string) (string, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expandErr error
	out := refPattern.ReplaceAllStringFunc(input, func(match string) string {
		if expandErr != nil {
			return match
		}
		scheme, key := parseReference(match[2 : len(match)-1])
		p, ok := m.providers[scheme]
		if !ok {
			expandErr = fmt.Errorf("secrets: unknown provider scheme %q in %s", scheme, match)
			return match
		}
		val, err := p.Get(ctx, key)
		if err != nil {
			expandErr = fmt.Errorf("secrets: resolve %s: %w", match, err)
			return match
		}
		return val
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// parseReference splits "vault:path#field" into ("vault", "path#field").
// Without a valid scheme the whole reference is an env var name.
func parseReference(inner string) (scheme, key string) {
	if idx := strings.IndexByte(inner, ':'); idx > 0 && isValidScheme(inner[:idx]) {
		return inner[:idx], inner[idx+1:]
	}
	return "env", inner
}

func isValidScheme(s string) bool {
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return s != ""
}
