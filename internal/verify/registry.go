// Package verify provides named check routines invoked by VERIFY steps.
package verify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"
)

// Request is the input to a verifier run.
type Request struct {
	Root string   // workspace root
	Args []string // arguments from the VERIFY line
}

// Verifier checks the workspace and reports findings. An error means the
// verifier itself could not run, not that the check failed.
type Verifier interface {
	Name() string
	Verify(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Verifier interface.
type Func struct {
	VerifierName string
	Fn           func(ctx context.Context, req Request) (*Result, error)
}

func (f Func) Name() string { return f.VerifierName }

func (f Func) Verify(ctx context.Context, req Request) (*Result, error) {
	return f.Fn(ctx, req)
}

// Registry maps verifier names to implementations.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
	logger    *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		verifiers: make(map[string]Verifier),
		logger:    logging.New().WithComponent("verify"),
	}
}

// Options configures the built-in verifiers.
type Options struct {
	Terms  map[string]string // forbidden term -> preferred term
	Logger *logging.Logger
}

// Default returns a registry with the built-in verifiers.
func Default(opts Options) *Registry {
	r := NewRegistry()
	if opts.Logger != nil {
		r.logger = opts.Logger.WithComponent("verify")
	}
	r.Register(&RefsVerifier{})
	r.Register(&LinksVerifier{})
	r.Register(&TerminologyVerifier{Terms: opts.Terms})
	r.Register(&AssertionsVerifier{})
	return r
}

// Register adds or replaces a verifier.
func (r *Registry) Register(v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[v.Name()] = v
}

// Get returns the verifier registered under name.
func (r *Registry) Get(name string) (Verifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[name]
	return v, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.verifiers))
	for name := range r.verifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run invokes the verifier registered under name.
func (r *Registry) Run(ctx context.Context, name string, req Request) (*Result, error) {
	v, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown verifier %q (available: %v)", name, r.Names())
	}

	start := time.Now()
	res, err := v.Verify(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("verifier %s: %w", name, err)
	}
	if res.Verifier == "" {
		res.Verifier = name
	}
	r.logger.Debug("verifier complete", map[string]interface{}{
		"verifier": name,
		"passed":   res.Passed,
		"errors":   len(res.Errors),
		"warnings": len(res.Warnings),
		"duration": time.Since(start).String(),
	})
	return res, nil
}
