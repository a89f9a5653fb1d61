package hotswap

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

type (
	// Payload is a module payload staged into its scratch namespace.
	Payload struct {
		ID     ScratchID
		Origin ModulePath // where the payload was deployed
		Path   string     // the staged private copy, the only file a Backend may open
		Dir    string     // scratch directory of this load, free for backend caches
	}
	// Backend is the dynamic loading facility turning a staged payload into a code namespace.
	Backend interface {
		Open(ctx context.Context, p Payload) (Code, error)
	}
	// Code is the code namespace of one loaded payload.
	//
	// Lookup searches the payload only, never the host. Values returned by Lookup must be
	// accepted by Construct. Close releases the loaded code; no Lookup happens after it.
	Code interface {
		Lookup(name string) (any, bool)
		Symbols() []string
		Close() error
	}
	// BackendFunc adapts a function to Backend.
	BackendFunc func(ctx context.Context, p Payload) (Code, error)

	extensionBackend map[string]Backend
)

func (f BackendFunc) Open(ctx context.Context, p Payload) (Code, error) {
	return f(ctx, p)
}

// ByExtension dispatches payloads to backends by the lower cased file extension including the dot, like ".wasm".
func ByExtension(backends map[string]Backend) Backend {
	m := make(extensionBackend, len(backends))
	for ext, b := range backends {
		m[strings.ToLower(ext)] = b
	}
	return m
}

func (m extensionBackend) Open(ctx context.Context, p Payload) (Code, error) {
	ext := strings.ToLower(filepath.Ext(string(p.Origin)))
	b, ok := m[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPayload, ext)
	}
	return b.Open(ctx, p)
}
