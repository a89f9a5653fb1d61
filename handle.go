package hotswap

import (
	"errors"
	"os"
	"slices"
	"sync"
)

// Handle is one loaded module: its code namespace, the scratch namespace it was loaded into,
// and the host namespace it falls back to.
//
// A Handle is owned by whoever created it. Once closed, every resolution through it fails,
// so code of a superseded load can never be reached again by a new lookup.
type Handle struct {
	id      ScratchID
	path    ModulePath
	payload Payload
	host    *Namespace

	mu     sync.Mutex
	code   Code
	cache  map[string]Symbol
	closed bool
}

func newHandle(p Payload, code Code, host *Namespace) *Handle {
	return &Handle{
		id:      p.ID,
		path:    p.Origin,
		payload: p,
		host:    host,
		code:    code,
		cache:   make(map[string]Symbol),
	}
}

// ID of the load this handle was created by.
func (h *Handle) ID() ScratchID {
	return h.id
}

// Path the module was deployed at.
func (h *Handle) Path() ModulePath {
	return h.path
}

// Payload staged for this handle.
func (h *Handle) Payload() Payload {
	return h.payload
}

// Host namespace this handle falls back to.
func (h *Handle) Host() *Namespace {
	return h.host
}

// Symbols exported by the module itself, sorted.
func (h *Handle) Symbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	s := slices.Clone(h.code.Symbols())
	slices.Sort(s)
	return s
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Resolve a symbol through this handle, see Resolve.
func (h *Handle) Resolve(name string) (Symbol, error) {
	return Resolve(h, name)
}

// Close releases the module code and its scratch directory. It is safe to call more than once,
// only the first call does any work. Errors of both steps are joined.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	code := h.code
	h.code = nil
	h.cache = nil
	h.mu.Unlock()
	var err error
	if code != nil {
		err = code.Close()
	}
	if h.payload.Dir != "" {
		err = errors.Join(err, os.RemoveAll(h.payload.Dir))
	}
	return err
}

// Resolve looks up name child-first:
//
//	1. a symbol already resolved through h is returned from the cache of h;
//	2. otherwise the module code of h is searched, without consulting the host;
//	3. otherwise the host namespace of h resolves it with its own delegation order;
//	4. otherwise a *NotFoundError naming the module and wrapping the host failure is returned.
//
// Successful resolutions of steps 2 and 3 are cached on h. The cache lives and dies with h,
// so two loads of the same path never share resolutions.
func Resolve(h *Handle, name string) (Symbol, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Symbol{}, ErrHandleClosed
	}
	if s, ok := h.cache[name]; ok {
		return s, nil
	}
	if v, ok := h.code.Lookup(name); ok {
		s := Symbol{Name: name, Origin: OriginModule, Epoch: h.id, Value: v}
		h.cache[name] = s
		return s, nil
	}
	var cause error = errors.New("no host namespace")
	if h.host != nil {
		s, err := h.host.Lookup(name)
		if err == nil {
			h.cache[name] = s
			return s, nil
		}
		cause = err
	}
	return Symbol{}, &NotFoundError{Symbol: name, Module: h.path, Epoch: h.id, Cause: cause}
}
