package hotswap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	stateNew int32 = iota
	stateInitialized
	stateDisposed
)

type (
	recorder struct {
		mu        sync.Mutex
		events    []string
		instances []*plugin
	}
	plugin struct {
		rec         *recorder
		name        string
		version     string
		failInit    bool
		panicInit   bool
		failDispose bool
		state       atomic.Int32
		inits       atomic.Int32
		disposals   atomic.Int32
		host        *HostContext
	}
	// testBackend reads payloads made of lines "<symbol> <kind> [version]".
	testBackend struct {
		rec     *recorder
		opened  atomic.Int32
		closed  atomic.Int32
		lookups atomic.Int32
	}
	testCode struct {
		b    *testBackend
		id   ScratchID
		defs map[string][2]string
	}
	mapAssets map[string]string
)

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) created() []*plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*plugin(nil), r.instances...)
}

func (r *recorder) newPlugin(p *plugin) *plugin {
	p.rec = r
	r.mu.Lock()
	r.instances = append(r.instances, p)
	r.mu.Unlock()
	return p
}

func (p *plugin) Initialize(host *HostContext) error {
	p.inits.Add(1)
	if !p.state.CompareAndSwap(stateNew, stateInitialized) {
		return errors.New("initialize out of order")
	}
	if p.panicInit {
		panic("boom")
	}
	if p.failInit {
		return errors.New("init refused")
	}
	p.host = host
	p.rec.add("init %s", p.version)
	return nil
}

func (p *plugin) Name() string {
	return p.host.StringOr("plugin_name", p.name)
}

func (p *plugin) Version() string {
	return p.version
}

func (p *plugin) CreateView(host *HostContext) (View, error) {
	if p.state.Load() != stateInitialized {
		return nil, errors.New("view of uninitialized plugin")
	}
	return Text("root", p.Name()+" "+p.version), nil
}

func (p *plugin) Dispose() error {
	p.disposals.Add(1)
	p.state.Store(stateDisposed)
	p.host = nil
	p.rec.add("dispose %s", p.version)
	if p.failDispose {
		return errors.New("dispose refused")
	}
	return nil
}

func (a mapAssets) String(name string) (string, bool) {
	s, ok := a[name]
	return s, ok
}

func (a mapAssets) Drawable(string) ([]byte, bool) { return nil, false }

func (a mapAssets) Layout(string) (*LayoutDescriptor, bool) { return nil, false }

func (b *testBackend) Open(_ context.Context, p Payload) (Code, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defs := make(map[string][2]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		switch {
		case len(fields) == 0:
			continue
		case fields[0] == "corrupt":
			return nil, errors.New("corrupt payload")
		case len(fields) == 2:
			defs[fields[0]] = [2]string{fields[1], ""}
		case len(fields) >= 3:
			defs[fields[0]] = [2]string{fields[1], fields[2]}
		}
	}
	b.opened.Add(1)
	b.rec.add("open %d", p.ID)
	return &testCode{b: b, id: p.ID, defs: defs}, nil
}

func (c *testCode) Lookup(name string) (any, bool) {
	c.b.lookups.Add(1)
	def, ok := c.defs[name]
	if !ok {
		return nil, false
	}
	kind, version := def[0], def[1]
	rec := c.b.rec
	switch kind {
	case "plugin":
		return func() EntryPoint {
			return rec.newPlugin(&plugin{name: "Dynamic Plugin", version: version})
		}, true
	case "failinit":
		return func() EntryPoint {
			return rec.newPlugin(&plugin{name: "Dynamic Plugin", version: version, failInit: true})
		}, true
	case "panicinit":
		return func() EntryPoint {
			return rec.newPlugin(&plugin{name: "Dynamic Plugin", version: version, panicInit: true})
		}, true
	case "faildispose":
		return func() EntryPoint {
			return rec.newPlugin(&plugin{name: "Dynamic Plugin", version: version, failDispose: true})
		}, true
	case "value":
		return 42, true
	case "mismatch":
		return func() any { return &struct{ Name string }{Name: version} }, true
	case "ctorerror":
		return func() (any, error) { return nil, errors.New("no resources") }, true
	default:
		return nil, false
	}
}

func (c *testCode) Symbols() []string {
	s := make([]string, 0, len(c.defs))
	for k := range c.defs {
		s = append(s, k)
	}
	return s
}

func (c *testCode) Close() error {
	c.b.closed.Add(1)
	c.b.rec.add("close %d", c.id)
	return nil
}

type env struct {
	t       *testing.T
	dir     string
	rec     *recorder
	backend *testBackend
	host    *Namespace
	scratch *Scratch
	inst    *Instantiator
	reg     *Registry
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{t: t, dir: t.TempDir(), rec: new(recorder)}
	e.backend = &testBackend{rec: e.rec}
	e.host = NewNamespace("host", NewNamespace("builtins", nil))
	var err error
	e.scratch, err = NewScratch(filepath.Join(e.dir, "scratch"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.scratch.Close() })
	e.inst = NewInstantiator(e.backend, e.host, e.scratch, opts...)
	e.reg = NewRegistry(e.inst, opts...)
	t.Cleanup(func() { _ = e.reg.Close() })
	return e
}

// write a payload below the env directory, replacing any previous content.
func (e *env) write(rel string, lines ...string) ModulePath {
	e.t.Helper()
	p := filepath.Join(e.dir, rel)
	require.NoError(e.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(e.t, os.WriteFile(p, []byte(strings.Join(lines, "\n")), 0o644))
	return ModulePath(p)
}

func (e *env) active() *plugin {
	e.t.Helper()
	var p *plugin
	e.reg.WithActiveInstance(func(ep EntryPoint) {
		p = ep.(*plugin)
	})
	return p
}
