package aliasing

import (
	"log/slog"
	"strings"
)

// Resolver resolves namespaces to their canonical form.
// Thread-safe for concurrent use (immutable after construction).
type Resolver struct {
	aliases map[string]string
}

// NewResolver creates a resolver from config with validation.
//
// Invalid entries (empty alias or canonical) are skipped with a warning.
// If config is nil or has no aliases, returns a no-op resolver (passthrough).
func NewResolver(cfg *Config) *Resolver {
	if cfg == nil || len(cfg.NamespaceAliases) == 0 {
		return &Resolver{aliases: map[string]string{}}
	}

	valid := make(map[string]string, len(cfg.NamespaceAliases))

	for alias, canonical := range cfg.NamespaceAliases {
		alias = strings.TrimSpace(alias)
		canonical = strings.TrimSpace(canonical)

		if alias == "" || canonical == "" {
			slog.Warn("Skipping invalid namespace alias",
				slog.String("alias", alias),
				slog.String("canonical", canonical))

			continue
		}

		valid[alias] = canonical
	}

	return &Resolver{aliases: valid}
}

// Resolve returns the canonical namespace for the given namespace.
// Namespaces without a configured alias pass through unchanged.
func (r *Resolver) Resolve(namespace string) string {
	if canonical, ok := r.aliases[namespace]; ok {
		return canonical
	}

	return namespace
}

// AliasCount returns the number of configured aliases.
func (r *Resolver) AliasCount() int {
	return len(r.aliases)
}
