package object

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotswap"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/constants"
	"github.com/pkujhd/goloader/objabi/symkind"
	"go.uber.org/zap"
)

type (
	// Backend links Go object files, archives and serialized linkables into the running process.
	//
	// The host symbol table is built once by New. Every Open links against a private clone of it,
	// so two loads never see symbols of each other.
	Backend struct {
		pkg    string
		logger *zap.Logger
		mu     sync.RWMutex
		syms   map[string]uintptr
	}
	// Option of New.
	Option func(*config)
	config struct {
		pkg    string
		types  []any
		so     []string
		exe    []string
		logger *zap.Logger
	}
	code struct {
		pkg    string
		linker *goloader.Linker
		module *goloader.CodeModule
		logger *zap.Logger
		once   sync.Once
	}
	// Opaque is the value of a module symbol that is not a func() any, such as a variable
	// or a function of another signature. It is never called.
	Opaque struct {
		Symbol string
		Kind   string // symbol kind, like SDATA
		Type   string // go type of the symbol if recorded
	}
)

// entryType is the go type of an entry point constructor, func() any, as recorded in object files.
var entryType = constants.TypePrefix + "func() interface {}"


var (
	// ErrUnresolved occurs when an object references symbols the host does not provide.
	ErrUnresolved = errors.New("unresolved symbols")
)

// WithPackage sets the package path of loaded objects, "main" by default.
func WithPackage(pkg string) Option {
	return func(c *config) {
		c.pkg = pkg
	}
}

// WithTypes registers extra host types modules may share with the host.
func WithTypes(t ...any) Option {
	return func(c *config) {
		c.types = append(c.types, t...)
	}
}

// WithSo registers the symbols of a shared object.
func WithSo(path string) Option {
	return func(c *config) {
		c.so = append(c.so, path)
	}
}

// WithExecutable registers the symbols of an executable, instead of the running one.
func WithExecutable(path string) Option {
	return func(c *config) {
		c.exe = append(c.exe, path)
	}
}

// WithLogger sets the logger, the hotswap package Logger by default.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// New creates a backend with the symbols of the running process and the contract types registered.
func New(opts ...Option) (b *Backend, err error) {
	c := config{pkg: "main"}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = hotswap.Logger()
	}
	syms := make(map[string]uintptr)
	if len(c.exe) == 0 {
		if err = goloader.RegSymbol(syms); err != nil {
			return nil, fmt.Errorf("register host symbols: %w", err)
		}
	}
	for _, p := range c.exe {
		if err = goloader.RegSymbolWithPath(syms, p); err != nil {
			return nil, fmt.Errorf("register symbols of %s: %w", p, err)
		}
	}
	for _, p := range c.so {
		if err = goloader.RegSymbolWithSo(syms, p); err != nil {
			return nil, fmt.Errorf("register symbols of %s: %w", p, err)
		}
	}
	var (
		ep     hotswap.EntryPoint
		assets hotswap.AssetLookup
	)
	goloader.RegTypes(syms, &ep, &assets, &hotswap.HostContext{}, &hotswap.LayoutDescriptor{})
	if len(c.types) > 0 {
		c.logger.Debug("register types", zap.Int("count", len(c.types)))
		goloader.RegTypes(syms, c.types...)
	}
	return &Backend{pkg: c.pkg, logger: c.logger.Named("object"), syms: syms}, nil
}

// Must is New panicking on error.
func Must(opts ...Option) *Backend {
	return fn.Panic1(New(opts...))
}

// Package path of loaded objects.
func (b *Backend) Package() string {
	return b.pkg
}

// Symbols of the host symbol table.
func (b *Backend) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn.MapKeys(b.syms)
}

// RegisterTypes adds host types to the symbol table, effective for later loads.
func (b *Backend) RegisterTypes(t ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	goloader.RegTypes(b.syms, t...)
}

// Missing lists the symbols of the linker that the host does not provide.
func (b *Backend) Missing(l *goloader.Linker) []string {
	return goloader.UnresolvedSymbols(l, b.clone())
}

// Read a staged payload into a linker: ".linkable" files are serialized linkers,
// anything else is an object file or archive of the backend package.
func (b *Backend) Read(path string) (*goloader.Linker, error) {
	if strings.EqualFold(filepath.Ext(path), ".linkable") {
		return ReadLinkable(path)
	}
	return goloader.ReadObj(path, b.pkg)
}

func (b *Backend) Open(ctx context.Context, p hotswap.Payload) (c hotswap.Code, err error) {
	if err = ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("link %s: %v", p.Origin, r)
		}
	}()
	l, err := b.Read(p.Path)
	if err != nil {
		return nil, err
	}
	syms := b.clone()
	if missing := goloader.UnresolvedSymbols(l, syms); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(missing, ", "))
	}
	m, err := goloader.Load(l, syms)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("linked", zap.String("path", string(p.Origin)), zap.Uint64("epoch", uint64(p.ID)), zap.Int("symbols", len(m.Syms)))
	return &code{pkg: b.pkg, linker: l, module: m, logger: b.logger}, nil
}

func (b *Backend) clone() map[string]uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.syms)
}

// Lookup returns functions of the module declared as func() any. Any other symbol is returned as
// an *Opaque, which is not constructible.
func (c *code) Lookup(name string) (any, bool) {
	q := Qualify(c.pkg, name)
	p, ok := c.module.Syms[q]
	if !ok {
		return nil, false
	}
	if o := c.opaque(q); o != nil {
		c.logger.Debug("symbol is not an entry point constructor", zap.String("symbol", q), zap.String("kind", o.Kind), zap.String("type", o.Type))
		return o, true
	}
	return As[func() any](p), true
}

// opaque reports symbols that must not be called as func() any. Function types are only
// checked when the object recorded one.
func (c *code) opaque(q string) *Opaque {
	kind, typ, ok := -1, "", false
	if s, found := c.linker.ObjSymbolMap[q]; found {
		kind, typ, ok = s.Kind, s.Type, true
	} else if s, found := c.linker.SymMap[q]; found {
		kind, ok = s.Kind, true
	}
	switch {
	case !ok:
		return &Opaque{Symbol: q, Kind: "unknown"}
	case kind != symkind.STEXT:
		return &Opaque{Symbol: q, Kind: symkind.SymKindString(kind), Type: typ}
	case typ != "" && typ != entryType:
		return &Opaque{Symbol: q, Kind: symkind.SymKindString(kind), Type: typ}
	}
	return nil
}

func (c *code) Symbols() []string {
	prefix := c.pkg + "."
	var s []string
	for k := range c.module.Syms {
		if strings.HasPrefix(k, prefix) {
			s = append(s, k)
		}
	}
	return s
}

func (c *code) Close() error {
	c.once.Do(func() {
		_ = os.Stdout.Sync()
		c.module.Unload()
		c.logger.Debug("unloaded")
	})
	return nil
}

// Qualify a symbol name with pkg unless it already names a package.
func Qualify(pkg, sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return pkg + "." + sym
	}
	return sym
}

// As converts the address of a linked function to a function value of type T.
func As[T any](addr uintptr) T {
	p := &addr
	return *(*T)(unsafe.Pointer(&p))
}
