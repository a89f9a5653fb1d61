package hotswap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

type (
	// Instantiator turns module payloads into handles and handles into initialized entry points.
	Instantiator struct {
		backend Backend
		host    *Namespace
		scratch *Scratch
		assets  AssetsFunc
		logger  *zap.Logger
	}
	// Option configures an Instantiator or a Registry.
	Option func(*options)
	options struct {
		assets AssetsFunc
		logger *zap.Logger
	}
)

// WithAssets sets the asset strategy handed to instances, NoAssets by default.
func WithAssets(f AssetsFunc) Option {
	return func(o *options) {
		o.assets = f
	}
}

// WithLogger sets the logger, the package Logger by default.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func buildOptions(opts []Option) options {
	o := options{assets: noAssetsFunc}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	return o
}

// NewInstantiator creates an instantiator loading through backend into scratch, falling back to host.
func NewInstantiator(backend Backend, host *Namespace, scratch *Scratch, opts ...Option) *Instantiator {
	o := buildOptions(opts)
	return &Instantiator{
		backend: backend,
		host:    host,
		scratch: scratch,
		assets:  o.assets,
		logger:  o.logger.Named("instantiator"),
	}
}

// Scratch used by this instantiator.
func (i *Instantiator) Scratch() *Scratch {
	return i.scratch
}

// Host namespace used as fallback.
func (i *Instantiator) Host() *Namespace {
	return i.host
}

// Load stages path into the scratch namespace of id and opens it.
func (i *Instantiator) Load(ctx context.Context, path ModulePath, id ScratchID) (*Handle, error) {
	p, err := i.Stage(path, id)
	if err != nil {
		return nil, err
	}
	return i.Open(ctx, p)
}

// Stage copies the payload at path into a new scratch namespace of id and marks the copy read only.
//
// Errors are a *LoadError: KindNotFound when path does not exist, KindNamespaceCreationFailed when
// the scratch directory cannot be created, KindUnreadable when the payload cannot be copied.
func (i *Instantiator) Stage(path ModulePath, id ScratchID) (p Payload, err error) {
	info, err := os.Stat(string(path))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return p, loadError(KindNotFound, path, err)
	case err != nil:
		return p, loadError(KindUnreadable, path, err)
	case info.IsDir():
		return p, loadError(KindUnreadable, path, errors.New("payload is a directory"))
	}
	dir, err := i.scratch.Create(id)
	if err != nil {
		return p, loadError(KindNamespaceCreationFailed, path, err)
	}
	staged := filepath.Join(dir, filepath.Base(string(path)))
	if err = CopyFile(string(path), staged, info); err == nil {
		err = os.Chmod(staged, 0o444)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, os.ErrNotExist) {
			return p, loadError(KindNotFound, path, err)
		}
		return p, loadError(KindUnreadable, path, err)
	}
	i.logger.Debug("staged payload", zap.String("path", string(path)), zap.Uint64("epoch", uint64(id)), zap.String("dir", dir))
	return Payload{ID: id, Origin: path, Path: staged, Dir: dir}, nil
}

// Open a staged payload with the backend. A failure removes the scratch namespace of the payload.
func (i *Instantiator) Open(ctx context.Context, p Payload) (*Handle, error) {
	code, err := i.backend.Open(ctx, p)
	if err != nil {
		_ = os.RemoveAll(p.Dir)
		return nil, loadError(KindUnreadable, p.Origin, err)
	}
	i.logger.Debug("opened module", zap.String("path", string(p.Origin)), zap.Uint64("epoch", uint64(p.ID)))
	return newHandle(p, code, i.host), nil
}

// HostContext built for instances of h.
func (i *Instantiator) HostContext(h *Handle) *HostContext {
	assets := i.assets(h.payload)
	if assets == nil {
		assets = NoAssets
	}
	return &HostContext{
		Assets:     assets,
		Logger:     i.logger.Named("module").With(zap.String("module", string(h.path)), zap.Uint64("epoch", uint64(h.id))),
		Module:     h.path,
		Epoch:      h.id,
		ScratchDir: h.payload.Dir,
	}
}

// Instantiate resolves symbol through h, constructs it with zero arguments, checks the EntryPoint
// contract, and initializes it.
//
// Errors are an *InstantiateError. When Initialize fails or panics the new instance is disposed
// before the error is returned.
func (i *Instantiator) Instantiate(h *Handle, symbol string) (EntryPoint, error) {
	ep, _, err := i.instantiate(h, symbol)
	return ep, err
}

func (i *Instantiator) instantiate(h *Handle, symbol string) (EntryPoint, *HostContext, error) {
	s, err := Resolve(h, symbol)
	if err != nil {
		return nil, nil, instantiateError(KindSymbolNotFound, symbol, err)
	}
	o, err := Construct(s.Value)
	if err != nil {
		return nil, nil, instantiateError(KindNotConstructible, symbol, err)
	}
	ep, ok := o.(EntryPoint)
	if !ok {
		return nil, nil, instantiateError(KindContractMismatch, symbol, fmt.Errorf("%T does not implement EntryPoint", o))
	}
	host := i.HostContext(h)
	if err = initialize(ep, host); err != nil {
		if derr := dispose(ep); derr != nil {
			i.logger.Warn("dispose after failed initialize", zap.String("symbol", symbol), zap.Error(derr))
		}
		return nil, nil, instantiateError(KindInitializationFailed, symbol, err)
	}
	i.logger.Debug("instantiated", zap.String("symbol", symbol), zap.Stringer("origin", s.Origin), zap.Uint64("epoch", uint64(h.id)))
	return ep, host, nil
}

func initialize(ep EntryPoint, host *HostContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panic: %v", r)
		}
	}()
	return ep.Initialize(host)
}

func dispose(ep EntryPoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispose panic: %v", r)
		}
	}()
	return ep.Dispose()
}
