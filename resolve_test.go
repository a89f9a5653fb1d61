package hotswap

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPlugin() EntryPoint {
	return &plugin{rec: new(recorder), name: "Host Plugin", version: "host"}
}

func TestResolveChildFirst(t *testing.T) {
	e := newEnv(t)
	e.host.Define("Shared", hostPlugin)
	path := e.write("mod/shared", "Shared plugin module")
	h, err := e.inst.Load(context.Background(), path, e.scratch.Next())
	require.NoError(t, err)
	defer h.Close()

	s, err := Resolve(h, "Shared")
	require.NoError(t, err)
	assert.Equal(t, OriginModule, s.Origin)
	assert.Equal(t, h.ID(), s.Epoch)
	o, err := Construct(s.Value)
	require.NoError(t, err)
	assert.Equal(t, "module", o.(*plugin).version)

	s, err = e.host.Lookup("Shared")
	require.NoError(t, err)
	assert.Equal(t, OriginHost, s.Origin)
	o, err = Construct(s.Value)
	require.NoError(t, err)
	assert.Equal(t, "host", o.(*plugin).version)
}

func TestResolveFallsBackToHost(t *testing.T) {
	e := newEnv(t)
	e.host.Parent().Define("Builtin", hostPlugin)
	path := e.write("mod/own", "Own plugin 1.0.0")
	h, err := e.inst.Load(context.Background(), path, e.scratch.Next())
	require.NoError(t, err)
	defer h.Close()

	s, err := h.Resolve("Builtin")
	require.NoError(t, err)
	assert.Equal(t, OriginHost, s.Origin)
	assert.Zero(t, s.Epoch)
}

func TestResolveNotFound(t *testing.T) {
	e := newEnv(t)
	path := e.write("mod/own", "Own plugin 1.0.0")
	h, err := e.inst.Load(context.Background(), path, e.scratch.Next())
	require.NoError(t, err)
	defer h.Close()

	_, err = Resolve(h, "Missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Missing", nf.Symbol)
	assert.Equal(t, path, nf.Module)
	assert.Error(t, nf.Cause)
	assert.ErrorIs(t, err, ErrSymbolNotFound)
	assert.Contains(t, err.Error(), string(path))
}

func TestResolveCachesPerHandle(t *testing.T) {
	e := newEnv(t)
	path := e.write("mod/own", "Own plugin 1.0.0")
	h, err := e.inst.Load(context.Background(), path, e.scratch.Next())
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 5; i++ {
		_, err = Resolve(h, "Own")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), e.backend.lookups.Load())

	h2, err := e.inst.Load(context.Background(), path, e.scratch.Next())
	require.NoError(t, err)
	defer h2.Close()
	s, err := Resolve(h2, "Own")
	require.NoError(t, err)
	assert.Equal(t, h2.ID(), s.Epoch)
	assert.Equal(t, int32(2), e.backend.lookups.Load())
}

func TestResolveClosedHandle(t *testing.T) {
	e := newEnv(t)
	path := e.write("mod/own", "Own plugin 1.0.0")
	h, err := e.inst.Load(context.Background(), path, e.scratch.Next())
	require.NoError(t, err)
	_, err = Resolve(h, "Own")
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	assert.True(t, h.Closed())
	assert.Nil(t, h.Symbols())
	assert.NoDirExists(t, h.Payload().Dir)

	_, err = Resolve(h, "Own")
	assert.ErrorIs(t, err, ErrHandleClosed)
	assert.Equal(t, int32(1), e.backend.closed.Load())
}

func TestNamespaceParentFirst(t *testing.T) {
	root := NewNamespace("builtins", nil).Define("X", func() any { return "builtin" })
	host := NewNamespace("host", root).Define("X", func() any { return "host" }).Define("Y", func() any { return "y" })
	s, err := host.Lookup("X")
	require.NoError(t, err)
	o, err := Construct(s.Value)
	require.NoError(t, err)
	assert.Equal(t, "builtin", o)
	assert.Equal(t, []string{"X", "Y"}, host.Symbols())
	_, err = host.Lookup("Z")
	assert.Error(t, err)
}

type (
	zeroPlugin struct{ plugin }
	box        struct{ N int }
)

func TestConstruct(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    any
		wantErr bool
	}{
		{"func any", func() any { return 1 }, 1, false},
		{"func value error", func() (any, error) { return "ok", nil }, "ok", false},
		{"typed func", func() *box { return &box{N: 1} }, &box{N: 1}, false},
		{"typed func error", func() (*box, error) { return nil, errors.New("no") }, nil, true},
		{"func with args", func(int) any { return 1 }, nil, true},
		{"func returning error only", func() error { return nil }, nil, true},
		{"nil result", func() any { return nil }, nil, true},
		{"panic", func() any { panic("boom") }, nil, true},
		{"value", 42, nil, true},
		{"nil", nil, nil, true},
		{"struct type", reflect.TypeOf(box{}), &box{}, false},
		{"pointer type", reflect.TypeOf(&box{}), &box{}, false},
		{"interface type", reflect.TypeOf((*EntryPoint)(nil)).Elem(), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Construct(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefineType(t *testing.T) {
	ns := DefineType[zeroPlugin](NewNamespace("host", nil), "Zero")
	s, err := ns.Lookup("Zero")
	require.NoError(t, err)
	o, err := Construct(s.Value)
	require.NoError(t, err)
	_, ok := o.(EntryPoint)
	assert.True(t, ok)
}
