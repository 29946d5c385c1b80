// Package keyresolver turns lock key templates into concrete, namespaced lock
// keys using the arguments of the guarded call.
//
// A template mixes literal text with placeholders:
//
//	order:{id}           named parameter
//	order:{0}            first argument
//	order:{req.Customer} field of a struct (or key of a map) argument
//	tenant:{@config.Tenant} field of a value registered in a Registry
//
// Literal braces are written as "{{" and "}}". Every resolved key carries the
// resolver prefix so lock keys never collide with unrelated keys stored in
// the same backend.
package keyresolver

import (
	"sync"

	"github.com/dgraph-io/ristretto"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// DefaultPrefix namespaces lock keys in a shared backend.
const DefaultPrefix = "warden:lock:"

// Param is a named call-site argument.
type Param struct {
	Name  string
	Value any
}

// Invocation is the argument list of one guarded call.
type Invocation struct {
	Params []Param
}

// Bind pairs declared parameter names with argument values. Values without a
// name stay addressable by position only.
func Bind(names []string, values ...any) Invocation {
	inv := Invocation{Params: make([]Param, len(values))}
	for i, v := range values {
		inv.Params[i].Value = v
		if i < len(names) {
			inv.Params[i].Name = names[i]
		}
	}
	return inv
}

// Len returns the number of arguments.
func (inv Invocation) Len() int { return len(inv.Params) }

// Arg returns the argument at position i.
func (inv Invocation) Arg(i int) (any, bool) {
	if i < 0 || i >= len(inv.Params) {
		return nil, false
	}
	return inv.Params[i].Value, true
}

// Lookup returns the argument declared as name.
func (inv Invocation) Lookup(name string) (any, bool) {
	for _, p := range inv.Params {
		if p.Name != "" && p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Registry holds externally addressable values, referenced from templates as
// {@name...}.
type Registry struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{values: make(map[string]any)}
}

// Register binds name to v, replacing any previous value.
func (r *Registry) Register(name string, v any) {
	r.mu.Lock()
	r.values[name] = v
	r.mu.Unlock()
}

// Lookup returns the value registered as name.
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

// Resolver renders lock key templates.
type Resolver struct {
	prefix    string
	registry  *Registry
	cacheSize int64
	cache     *ristretto.Cache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(r *Resolver) {
		r.prefix = prefix
	}
}

// WithRegistry sets the registry consulted by {@name} placeholders.
func WithRegistry(reg *Registry) Option {
	return func(r *Resolver) {
		r.registry = reg
	}
}

// WithCacheSize bounds the number of parsed templates kept in memory.
// A non-positive value disables the cache.
func WithCacheSize(n int64) Option {
	return func(r *Resolver) {
		r.cacheSize = n
	}
}

// New returns a Resolver. Parsed templates are cached in a ristretto cache
// holding up to 1024 templates unless WithCacheSize says otherwise.
func New(opts ...Option) *Resolver {
	r := &Resolver{prefix: DefaultPrefix, cacheSize: 1024}
	for _, opt := range opts {
		opt(r)
	}
	if r.cacheSize > 0 {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: r.cacheSize * 10,
			MaxCost:     r.cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			panic(err)
		}
		r.cache = c
	}
	return r
}

// Prefix returns the namespace prepended to every key.
func (r *Resolver) Prefix() string { return r.prefix }

// Close releases the template cache.
func (r *Resolver) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func (r *Resolver) compile(raw string) (*template, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(raw); ok {
			return v.(*template), nil
		}
	}
	t, err := parse(raw)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(raw, t, 1)
	}
	return t, nil
}

// Resolve renders template against inv and prepends the prefix. A template
// without placeholders resolves to prefix+template. A placeholder that names
// a missing parameter, field or registered value fails with a
// *errors.KeyResolutionError.
func (r *Resolver) Resolve(template string, inv Invocation) (string, error) {
	return r.ResolveWithParams(template, "", inv)
}

// ResolveWithParams renders template and the secondary params expression and
// joins them with ':'. Either part may be empty, not both.
func (r *Resolver) ResolveWithParams(template, params string, inv Invocation) (string, error) {
	if template == "" && params == "" {
		return "", &wardenerrors.KeyResolutionError{Reason: "empty lock key"}
	}
	key := ""
	for _, raw := range []string{template, params} {
		if raw == "" {
			continue
		}
		t, err := r.compile(raw)
		if err != nil {
			return "", err
		}
		s, err := t.render(inv, r.registry)
		if err != nil {
			return "", err
		}
		if key != "" {
			key += ":"
		}
		key += s
	}
	return r.prefix + key, nil
}
