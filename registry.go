package hotswap

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type (
	// Registry holds at most one active module instance and serializes swaps against uses.
	//
	// LoadOrSwap and Unload are exclusive, WithActiveInstance calls are shared and may run in parallel.
	// A swap waits for every in-flight use of the current instance before disposing it. Failures never
	// leave the registry pointing at a disposed or partial instance: it is either empty or active.
	Registry struct {
		inst   *Instantiator
		logger *zap.Logger

		mu     sync.RWMutex
		active *active

		stats struct {
			loads, swaps, failures, unloads atomic.Uint64
		}
	}
	// Info describes the active instance of a Registry.
	Info struct {
		ID       ScratchID
		Path     ModulePath
		Symbol   string
		Name     string
		Version  string
		LoadedAt time.Time
	}
	// Stats are counters of registry transitions.
	Stats struct {
		Loads    uint64 // successful LoadOrSwap calls
		Swaps    uint64 // successful LoadOrSwap calls that replaced an instance
		Failures uint64 // failed LoadOrSwap calls
		Unloads  uint64 // instances torn down by Unload or Close
	}
	active struct {
		handle   *Handle
		instance EntryPoint
		host     *HostContext
		info     Info
	}
)

// NewRegistry creates an empty registry loading through inst. Only WithLogger applies.
func NewRegistry(inst *Instantiator, opts ...Option) *Registry {
	o := buildOptions(opts)
	return &Registry{inst: inst, logger: o.logger.Named("registry")}
}

// LoadOrSwap replaces the active instance, if any, by a new instance of symbol loaded from path.
//
// The payload is staged into a fresh scratch namespace before exclusive access is taken. Under exclusive
// access the current instance is disposed and its handle closed, then the staged payload is opened and
// instantiated. On success the new instance is active; on any failure the registry is empty and the
// *LoadError or *InstantiateError is returned. The registry stays usable for an immediate retry.
func (r *Registry) LoadOrSwap(ctx context.Context, path ModulePath, symbol string) error {
	id := r.inst.scratch.Next()
	payload, stageErr := r.inst.Stage(path, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	swapped := r.teardown("swap")
	if stageErr != nil {
		return r.failed(path, symbol, id, stageErr)
	}
	h, err := r.inst.Open(ctx, payload)
	if err != nil {
		return r.failed(path, symbol, id, err)
	}
	ep, host, err := r.inst.instantiate(h, symbol)
	if err != nil {
		r.closeHandle(h)
		return r.failed(path, symbol, id, err)
	}
	a := &active{handle: h, instance: ep, host: host}
	a.info = Info{
		ID:       id,
		Path:     path,
		Symbol:   symbol,
		Name:     safeString(ep.Name),
		Version:  safeString(ep.Version),
		LoadedAt: time.Now(),
	}
	r.active = a
	r.stats.loads.Add(1)
	if swapped {
		r.stats.swaps.Add(1)
	}
	r.logger.Info("module active",
		zap.String("path", string(path)),
		zap.String("symbol", symbol),
		zap.Uint64("epoch", uint64(id)),
		zap.String("name", a.info.Name),
		zap.String("version", a.info.Version))
	return nil
}

// Unload disposes the active instance and closes its handle. It is a no-op on an empty registry.
func (r *Registry) Unload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.teardown("unload") {
		r.stats.unloads.Add(1)
	}
}

// Close unloads the active instance. The registry stays usable afterward.
func (r *Registry) Close() error {
	r.Unload()
	return nil
}

// WithActiveInstance runs action with the active instance under shared access, or does nothing when empty.
// It reports whether action ran. action must not call LoadOrSwap or Unload of the same registry.
func (r *Registry) WithActiveInstance(action func(EntryPoint)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return false
	}
	action(r.active.instance)
	return true
}

// WithActive is WithActiveInstance also passing the HostContext the instance was initialized with.
func (r *Registry) WithActive(action func(EntryPoint, *HostContext)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return false
	}
	action(r.active.instance, r.active.host)
	return true
}

// IsLoaded reports whether an instance is active.
func (r *Registry) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active != nil
}

// Active describes the active instance.
func (r *Registry) Active() (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return Info{}, false
	}
	return r.active.info, true
}

// Stats snapshot.
func (r *Registry) Stats() Stats {
	return Stats{
		Loads:    r.stats.loads.Load(),
		Swaps:    r.stats.swaps.Load(),
		Failures: r.stats.failures.Load(),
		Unloads:  r.stats.unloads.Load(),
	}
}

// teardown must hold r.mu exclusively. It reports whether an instance was torn down.
func (r *Registry) teardown(reason string) bool {
	a := r.active
	if a == nil {
		return false
	}
	r.active = nil
	if err := dispose(a.instance); err != nil {
		r.logger.Warn("dispose failed", zap.String("reason", reason), zap.String("path", string(a.info.Path)),
			zap.Uint64("epoch", uint64(a.info.ID)), zap.Error(err))
	}
	r.closeHandle(a.handle)
	r.logger.Info("module disposed", zap.String("reason", reason), zap.String("path", string(a.info.Path)),
		zap.Uint64("epoch", uint64(a.info.ID)))
	return true
}

func (r *Registry) closeHandle(h *Handle) {
	if err := h.Close(); err != nil {
		r.logger.Warn("close handle failed", zap.String("path", string(h.Path())), zap.Uint64("epoch", uint64(h.ID())), zap.Error(err))
	}
}

func (r *Registry) failed(path ModulePath, symbol string, id ScratchID, err error) error {
	r.stats.failures.Add(1)
	r.logger.Error("load failed",
		zap.String("path", string(path)),
		zap.String("symbol", symbol),
		zap.Uint64("epoch", uint64(id)),
		zap.String("category", Category(err)),
		zap.Error(err))
	return err
}

func safeString(f func() string) (s string) {
	defer func() {
		if recover() != nil {
			s = ""
		}
	}()
	return f()
}
