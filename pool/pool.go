// Package pool hosts many named modules at once, each behind its own hotswap.Registry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotswap"
	"github.com/ZenLiuCN/hotswap/catalog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Modules maps module ids to their entry point symbols.
	Modules interface {
		Lookup(id string) (symbol string, ok bool)
	}
	// Source locates the deployed payload of a module id.
	Source interface {
		Resolve(id string) (hotswap.ModulePath, error)
	}
	// Pool of modules keyed by id. Loads of different ids run in parallel, loads of one id are serialized.
	Pool struct {
		inst    *hotswap.Instantiator
		modules Modules
		source  Source
		opts    []hotswap.Option
		logger  *zap.Logger
		sync.RWMutex
		registries map[string]*hotswap.Registry
		closed     bool
	}
	// Option of New.
	Option func(*Pool)
)

var (
	// ErrNotRegistered occurs when an id is unknown to the Modules of the pool.
	ErrNotRegistered = catalog.ErrNotRegistered
	// ErrNotLoaded occurs when unloading a module that is not loaded.
	ErrNotLoaded = errors.New("module not loaded")
	// ErrClosed occurs when loading into a closed pool.
	ErrClosed = errors.New("pool closed")
)

// WithLogger sets the logger of the pool and its registries.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// WithRegistryOptions are passed to every registry of the pool.
func WithRegistryOptions(opts ...hotswap.Option) Option {
	return func(p *Pool) {
		p.opts = append(p.opts, opts...)
	}
}

// New creates a pool. A *catalog.Catalog serves as both modules and source, see FromCatalog.
func New(inst *hotswap.Instantiator, modules Modules, source Source, opts ...Option) *Pool {
	p := &Pool{
		inst:       inst,
		modules:    modules,
		source:     source,
		registries: make(map[string]*hotswap.Registry),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = hotswap.Logger()
	}
	p.logger = p.logger.Named("pool")
	p.opts = append([]hotswap.Option{hotswap.WithLogger(p.logger)}, p.opts...)
	return p
}

// FromCatalog creates a pool over a catalog.
func FromCatalog(inst *hotswap.Instantiator, c *catalog.Catalog, opts ...Option) *Pool {
	return New(inst, c, c, opts...)
}

// registry of id, created on first use. Registries are never removed, so an instance activated
// through one is always reachable by Unload and Close.
func (p *Pool) registry(id string) (*hotswap.Registry, error) {
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	r, ok := p.registries[id]
	if !ok {
		r = hotswap.NewRegistry(p.inst, p.opts...)
		p.registries[id] = r
	}
	return r, nil
}

func (p *Pool) isClosed() bool {
	p.RLock()
	defer p.RUnlock()
	return p.closed
}

func (p *Pool) lookup(id string) (*hotswap.Registry, bool) {
	p.RLock()
	defer p.RUnlock()
	r, ok := p.registries[id]
	return r, ok
}

// Load the module id, replacing its active instance if any. The payload is located again on every call,
// so each load gets a fresh scratch namespace even for an unchanged path. On failure the module is not loaded.
func (p *Pool) Load(ctx context.Context, id string) error {
	symbol, ok := p.modules.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}
	r, err := p.registry(id)
	if err != nil {
		return err
	}
	path, err := p.source.Resolve(id)
	if err != nil {
		r.Unload()
		p.logger.Error("resolve payload", zap.String("id", id), zap.String("category", hotswap.Category(err)), zap.Error(err))
		return err
	}
	if err = r.LoadOrSwap(ctx, path, symbol); err != nil {
		return fmt.Errorf("module %s: %w", id, err)
	}
	// Close may have swept the registry while it was loading.
	if p.isClosed() {
		r.Unload()
		return ErrClosed
	}
	return nil
}

// Reload is Load, named for callers reacting to a redeployed payload.
func (p *Pool) Reload(ctx context.Context, id string) error {
	return p.Load(ctx, id)
}

// Unload the module id.
func (p *Pool) Unload(id string) error {
	r, ok := p.lookup(id)
	if !ok || !r.IsLoaded() {
		return fmt.Errorf("%w: %q", ErrNotLoaded, id)
	}
	r.Unload()
	return nil
}

// Use runs action with the active instance of id under shared access, reporting whether it ran.
func (p *Pool) Use(id string, action func(hotswap.EntryPoint)) bool {
	r, ok := p.lookup(id)
	return ok && r.WithActiveInstance(action)
}

// UseWithHost is Use also passing the HostContext of the instance.
func (p *Pool) UseWithHost(id string, action func(hotswap.EntryPoint, *hotswap.HostContext)) bool {
	r, ok := p.lookup(id)
	return ok && r.WithActive(action)
}

// Loaded ids, sorted.
func (p *Pool) Loaded() []string {
	p.RLock()
	ids := fn.MapKeys(p.registries)
	p.RUnlock()
	ids = slices.DeleteFunc(ids, func(id string) bool {
		r, ok := p.lookup(id)
		return !ok || !r.IsLoaded()
	})
	slices.Sort(ids)
	return ids
}

// Info of the active instance of id.
func (p *Pool) Info(id string) (hotswap.Info, bool) {
	r, ok := p.lookup(id)
	if !ok {
		return hotswap.Info{}, false
	}
	return r.Active()
}

// Stats of the registry of id.
func (p *Pool) Stats(id string) (hotswap.Stats, bool) {
	r, ok := p.lookup(id)
	if !ok {
		return hotswap.Stats{}, false
	}
	return r.Stats(), true
}

// Close unloads every module in parallel. Later loads fail with ErrClosed.
func (p *Pool) Close() error {
	p.Lock()
	p.closed = true
	registries := make([]*hotswap.Registry, 0, len(p.registries))
	for _, r := range p.registries {
		registries = append(registries, r)
	}
	p.Unlock()
	var g errgroup.Group
	for _, r := range registries {
		g.Go(r.Close)
	}
	return g.Wait()
}
