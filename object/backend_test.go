package object

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotswap"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
	"github.com/pkujhd/goloader/objabi/symkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	modulePlugin = "testdata/plugin.o"
	symPlugin    = "NewPlugin"
)

var debugging = false

func TestQualify(t *testing.T) {
	assert.Equal(t, "main.NewPlugin", Qualify("main", "NewPlugin"))
	assert.Equal(t, "sample.NewPlugin", Qualify("sample", "NewPlugin"))
	assert.Equal(t, "sample.NewPlugin", Qualify("main", "sample.NewPlugin"))
}

func answer() any { return 42 }

func TestAs(t *testing.T) {
	f := answer
	addr := **(**uintptr)(unsafe.Pointer(&f))
	assert.Equal(t, 42, As[func() any](addr)())
}

// linked fakes a loaded module whose symbols all point at answer.
func linked(syms ...*obj.ObjSymbol) *code {
	f := answer
	addr := **(**uintptr)(unsafe.Pointer(&f))
	c := &code{
		pkg:    "main",
		linker: &goloader.Linker{ObjSymbolMap: map[string]*obj.ObjSymbol{}, SymMap: map[string]*obj.Sym{}},
		module: &goloader.CodeModule{Syms: map[string]uintptr{"main.Unknown": addr}},
		logger: hotswap.Logger(),
	}
	for _, s := range syms {
		c.linker.ObjSymbolMap[s.Name] = s
		c.module.Syms[s.Name] = addr
	}
	return c
}

// unlinked fakes have no mapped segments to unload.
type unlinked struct{ *code }

func (unlinked) Close() error { return nil }

func TestLookupNonConstructors(t *testing.T) {
	c := linked(
		&obj.ObjSymbol{Name: "main.NewPlugin", Kind: symkind.STEXT, Type: entryType},
		&obj.ObjSymbol{Name: "main.NewUntyped", Kind: symkind.STEXT},
		&obj.ObjSymbol{Name: "main.Plugin", Kind: symkind.SDATA, Type: "type:*main.plugin"},
		&obj.ObjSymbol{Name: "main.NewTyped", Kind: symkind.STEXT, Type: "type:func() *main.plugin"},
	)
	for _, name := range []string{"NewPlugin", "NewUntyped"} {
		v, ok := c.Lookup(name)
		require.True(t, ok)
		o, err := hotswap.Construct(v)
		require.NoError(t, err, name)
		assert.Equal(t, 42, o)
	}
	for _, name := range []string{"Plugin", "NewTyped", "Unknown"} {
		v, ok := c.Lookup(name)
		require.True(t, ok)
		require.IsType(t, &Opaque{}, v, name)
		assert.Equal(t, "main."+name, v.(*Opaque).Symbol)
		_, err := hotswap.Construct(v)
		assert.Error(t, err, name)
	}
	_, ok := c.Lookup("Absent")
	assert.False(t, ok)
}

func TestRegistryDataSymbol(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "plugin.o")
	require.NoError(t, os.WriteFile(p, []byte("object"), 0o644))
	backend := hotswap.BackendFunc(func(context.Context, hotswap.Payload) (hotswap.Code, error) {
		return unlinked{linked(&obj.ObjSymbol{Name: "main.Plugin", Kind: symkind.SBSS})}, nil
	})
	scratch := fn.Panic1(hotswap.NewScratch(filepath.Join(dir, "scratch")))
	defer scratch.Close()
	reg := hotswap.NewRegistry(hotswap.NewInstantiator(backend, hotswap.NewNamespace("host", nil), scratch))
	err := reg.LoadOrSwap(context.Background(), hotswap.ModulePath(p), "Plugin")
	assert.ErrorIs(t, err, hotswap.ErrNotConstructible)
	assert.False(t, reg.IsLoaded())
}

func TestOpenRejectsGarbage(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	dir := t.TempDir()
	p := filepath.Join(dir, "garbage.o")
	require.NoError(t, os.WriteFile(p, []byte("not an object file"), 0o444))
	_, err = b.Open(context.Background(), hotswap.Payload{ID: 1, Origin: hotswap.ModulePath(p), Path: p, Dir: dir})
	assert.Error(t, err)

	p = filepath.Join(dir, "garbage.linkable")
	require.NoError(t, os.WriteFile(p, []byte("not a linkable"), 0o444))
	_, err = b.Open(context.Background(), hotswap.Payload{ID: 2, Origin: hotswap.ModulePath(p), Path: p, Dir: dir})
	assert.Error(t, err)
}

func TestOpenCanceled(t *testing.T) {
	b := Must(WithPackage("sample"))
	assert.Equal(t, "sample", b.Package())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Open(ctx, hotswap.Payload{Path: modulePlugin})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHostSymbols(t *testing.T) {
	b := Must()
	assert.NotEmpty(t, b.Symbols())
}

func TestRegistry(t *testing.T) {
	if _, err := os.Stat(modulePlugin); err != nil {
		t.Skipf("%s not compiled, run go generate in testdata", modulePlugin)
	}
	dir := t.TempDir()
	scratch := fn.Panic1(hotswap.NewScratch(dir))
	defer scratch.Close()
	host := hotswap.NewNamespace("host", nil)
	reg := hotswap.NewRegistry(hotswap.NewInstantiator(Must(), host, scratch))
	defer reg.Close()

	require.NoError(t, reg.LoadOrSwap(context.Background(), modulePlugin, symPlugin))
	var name string
	reg.WithActiveInstance(func(ep hotswap.EntryPoint) { name = ep.Name() })
	assert.Equal(t, "Dynamic Plugin", name)
	if debugging {
		info, _ := reg.Active()
		t.Logf("%+v", info)
	}
	require.NoError(t, reg.LoadOrSwap(context.Background(), modulePlugin, symPlugin))
	info, ok := reg.Active()
	require.True(t, ok)
	assert.Equal(t, hotswap.ScratchID(2), info.ID)
	reg.Unload()
	assert.False(t, reg.IsLoaded())
}
