package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ZenLiuCN/hotswap"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const (
	// HostModule is the import module name of host functions.
	HostModule = "hotswap"
	// MemoryName is the export name of the memory packed strings point into.
	MemoryName = "memory"
)

type (
	// Backend opens .wasm payloads.
	Backend struct {
		logger *zap.Logger
		pages  uint32
		cache  bool
	}
	// Option of New.
	Option func(*Backend)
	code struct {
		mu      sync.Mutex
		ctx     context.Context
		runtime wazero.Runtime
		cache   wazero.CompilationCache
		module  api.Module
		defs    map[string]api.FunctionDefinition
		logger  *zap.Logger
		closed  bool
	}
)

var (
	// ErrClosed occurs when calling into a module whose code was closed.
	ErrClosed = errors.New("wasm module closed")
)

// WithLogger sets the logger, the hotswap package Logger by default.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithMemoryLimitPages limits the memory of modules, in pages of 64KiB.
func WithMemoryLimitPages(n uint32) Option {
	return func(b *Backend) {
		b.pages = n
	}
}

// WithoutCache disables the compilation cache in the scratch directory.
func WithoutCache() Option {
	return func(b *Backend) {
		b.cache = false
	}
}

func New(opts ...Option) *Backend {
	b := &Backend{cache: true}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = hotswap.Logger()
	}
	b.logger = b.logger.Named("wasm")
	return b
}

func (b *Backend) Open(ctx context.Context, p hotswap.Payload) (hotswap.Code, error) {
	bin, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	cfg := wazero.NewRuntimeConfig()
	if b.pages > 0 {
		cfg = cfg.WithMemoryLimitPages(b.pages)
	}
	c := &code{
		ctx:    context.WithoutCancel(ctx),
		logger: b.logger.With(zap.String("module", string(p.Origin)), zap.Uint64("epoch", uint64(p.ID))),
	}
	if b.cache && p.Dir != "" {
		if c.cache, err = wazero.NewCompilationCacheWithDir(filepath.Join(p.Dir, "wazero")); err != nil {
			return nil, fmt.Errorf("compilation cache: %w", err)
		}
		cfg = cfg.WithCompilationCache(c.cache)
	}
	c.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	if err = c.instantiate(ctx, bin, instanceName(p)); err != nil {
		_ = c.Close()
		return nil, err
	}
	b.logger.Debug("instantiated", zap.String("path", string(p.Origin)), zap.Uint64("epoch", uint64(p.ID)), zap.Int("exports", len(c.defs)))
	return c, nil
}

func instanceName(p hotswap.Payload) string {
	return fmt.Sprintf("%s#%d", strings.TrimSuffix(filepath.Base(string(p.Origin)), filepath.Ext(string(p.Origin))), p.ID)
}

func (c *code) instantiate(ctx context.Context, bin []byte, name string) (err error) {
	_, err = c.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(c.log), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("host module: %w", err)
	}
	compiled, err := c.runtime.CompileModule(ctx, bin)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if c.module, err = c.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name).WithStartFunctions()); err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	c.defs = c.module.ExportedFunctionDefinitions()
	return nil
}

func (c *code) log(_ context.Context, m api.Module, stack []uint64) {
	mem := m.Memory()
	if mem == nil {
		c.logger.Warn("log without memory")
		return
	}
	b, ok := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	if !ok {
		c.logger.Warn("log out of range", zap.Uint64("ptr", stack[0]), zap.Uint64("len", stack[1]))
		return
	}
	c.logger.Info(string(b))
}

// Lookup finds entry point symbols, see the package documentation.
func (c *code) Lookup(name string) (any, bool) {
	prefix := name + "."
	for k := range c.defs {
		if strings.HasPrefix(k, prefix) {
			return func() any { return c.entry(name) }, true
		}
	}
	return nil, false
}

// Symbols are the entry point symbols exported by the module.
func (c *code) Symbols() (s []string) {
	for k := range c.defs {
		if i := strings.LastIndexByte(k, '.'); i > 0 && slices.Contains(operations, k[i+1:]) {
			if n := k[:i]; !slices.Contains(s, n) {
				s = append(s, n)
			}
		}
	}
	return
}

func (c *code) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.runtime != nil {
		err = c.runtime.Close(c.ctx)
	}
	if c.cache != nil {
		err = errors.Join(err, c.cache.Close(c.ctx))
	}
	c.logger.Debug("closed")
	return err
}

// call an export with the instance lock held, passing the results to read before unlocking.
func (c *code) call(name string, read func(api.Module, []uint64) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	f := c.module.ExportedFunction(name)
	if f == nil {
		return fmt.Errorf("missing export %s", name)
	}
	r, err := f.Call(c.ctx)
	if err != nil || read == nil {
		return err
	}
	return read(c.module, r)
}

// text calls an export returning a packed string.
func (c *code) text(name string) (s string, err error) {
	err = c.call(name, func(m api.Module, r []uint64) error {
		if len(r) != 1 {
			return fmt.Errorf("%s returned %d values", name, len(r))
		}
		mem := m.ExportedMemory(MemoryName)
		if mem == nil {
			return fmt.Errorf("module exports no %s", MemoryName)
		}
		ptr, n := uint32(r[0]>>32), uint32(r[0])
		b, ok := mem.Read(ptr, n)
		if !ok {
			return fmt.Errorf("%s returned out of range string %d+%d", name, ptr, n)
		}
		s = string(b)
		return nil
	})
	return
}
