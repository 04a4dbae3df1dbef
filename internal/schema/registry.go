package schema

import (
	"sort"
	"sync"

	"github.com/yanun0323/errors"
)

type registration struct {
	rules  Rules
	digest string
}

// Registry maps schema names to their frozen payload rules. Registration is
// append-only: a schema, once registered, only accepts the identical rules
// again. Constructed at startup and injected; there is no package-level
// default instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// NewCoreRegistry creates a registry pre-loaded with the v1 catalog of
// every core pipeline and trade lifecycle stream.
func NewCoreRegistry() *Registry {
	r := NewRegistry()
	registerCore(r)
	return r
}

// Register binds payload rules to a schema name. It is idempotent by
// (schema, rules digest); registering different rules for a known schema
// fails with ErrSchemaConflict.
func (r *Registry) Register(name string, rules Rules) error {
	if _, err := ParseSchema(name); err != nil {
		return errors.Wrap(err, "register schema")
	}
	digest := rules.Digest()

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[name]; ok {
		if existing.digest != digest {
			return errors.Wrapf(ErrSchemaConflict, "schema %s", name)
		}
		return nil
	}
	r.entries[name] = registration{rules: rules, digest: digest}
	return nil
}

// Rules returns the registered rules for a schema.
func (r *Registry) Rules(name string) (Rules, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg.rules, ok
}

// Digest returns the rules fingerprint for a schema.
func (r *Registry) Digest(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg.digest, ok
}

// Schemas lists registered schema names in stable order.
func (r *Registry) Schemas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
