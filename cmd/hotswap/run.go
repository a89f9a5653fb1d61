package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZenLiuCN/hotswap"
	"github.com/ZenLiuCN/hotswap/asset"
	"github.com/ZenLiuCN/hotswap/catalog"
	"github.com/ZenLiuCN/hotswap/object"
	"github.com/ZenLiuCN/hotswap/pool"
	"github.com/ZenLiuCN/hotswap/wasm"
	"github.com/ZenLiuCN/hotswap/watch"
	"github.com/charmbracelet/lipgloss"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// loader wires every backend behind one instantiator.
type loader struct {
	inst    *hotswap.Instantiator
	scratch *hotswap.Scratch
}

func newLoader(ctx *cli.Context) (*loader, error) {
	scratch, err := hotswap.NewScratch(ctx.String("scratch"))
	if err != nil {
		return nil, err
	}
	backends := map[string]hotswap.Backend{".wasm": wasm.New()}
	if ob, err := object.New(); err != nil {
		hotswap.Logger().Warn("object payloads unavailable", zap.Error(err))
	} else {
		for _, ext := range []string{".o", ".a", ".linkable"} {
			backends[ext] = ob
		}
	}
	host := hotswap.NewNamespace("host", nil)
	return &loader{
		inst:    hotswap.NewInstantiator(hotswap.ByExtension(backends), host, scratch, hotswap.WithAssets(asset.Beside)),
		scratch: scratch,
	}, nil
}

func (l *loader) Close() error {
	return l.scratch.Close()
}

// target is the module a run command works on.
type target struct {
	use   func(func(hotswap.EntryPoint, *hotswap.HostContext)) bool
	info  func() (hotswap.Info, bool)
	load  func(context.Context) error
	path  hotswap.ModulePath
	close func() error
}

func newTarget(ctx *cli.Context, l *loader) (*target, error) {
	if c := ctx.String("catalog"); c != "" {
		id := ctx.String("module")
		if id == "" {
			return nil, fmt.Errorf("required argument -m|--module missing")
		}
		cat, err := catalog.Load(c)
		if err != nil {
			return nil, err
		}
		path, err := cat.Path(id)
		if err != nil {
			return nil, err
		}
		p := pool.FromCatalog(l.inst, cat)
		return &target{
			use:   func(f func(hotswap.EntryPoint, *hotswap.HostContext)) bool { return p.UseWithHost(id, f) },
			info:  func() (hotswap.Info, bool) { return p.Info(id) },
			load:  func(ctx context.Context) error { return p.Load(ctx, id) },
			path:  path,
			close: p.Close,
		}, nil
	}
	path, symbol := ctx.String("path"), ctx.String("symbol")
	if path == "" || symbol == "" {
		return nil, fmt.Errorf("either --catalog with --module or --path with --symbol is required")
	}
	r := hotswap.NewRegistry(l.inst)
	return &target{
		use:   r.WithActive,
		info:  r.Active,
		load:  func(ctx context.Context) error { return r.LoadOrSwap(ctx, hotswap.ModulePath(path), symbol) },
		path:  hotswap.ModulePath(path),
		close: r.Close,
	}, nil
}

func (t *target) render() {
	info, ok := t.info()
	if !ok {
		fmt.Println(failStyle.Render("no module loaded"))
		return
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s %s", info.Name, info.Version)),
		dimStyle.Render(fmt.Sprintf("#%d %s", info.ID, info.Path)))
	t.use(func(ep hotswap.EntryPoint, h *hotswap.HostContext) {
		v, err := ep.CreateView(h)
		if err != nil {
			fmt.Println(failStyle.Render(err.Error()))
			return
		}
		spew.Dump(v)
	})
}

func run(ctx *cli.Context) (err error) {
	l, err := newLoader(ctx)
	if err != nil {
		return
	}
	defer func() { _ = l.Close() }()
	t, err := newTarget(ctx, l)
	if err != nil {
		return
	}
	defer func() { _ = t.close() }()
	sctx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = t.load(sctx); err != nil {
		fmt.Println(failStyle.Render(hotswap.Category(err)), err)
		if !ctx.Bool("watch") {
			return err
		}
	}
	t.render()
	if !ctx.Bool("watch") {
		return nil
	}
	w, err := watch.New(watch.Config{
		Path:     string(t.path),
		Debounce: ctx.Duration("debounce"),
		OnChange: func(ctx context.Context) error {
			err := t.load(ctx)
			if err != nil {
				fmt.Println(failStyle.Render(hotswap.Category(err)), err)
			} else {
				t.render()
			}
			return err
		},
	})
	if err != nil {
		return
	}
	defer func() { _ = w.Close() }()
	fmt.Println(dimStyle.Render(fmt.Sprintf("watching %s, interrupt to stop", t.path)))
	return w.Run(sctx)
}

func list(ctx *cli.Context) error {
	cat, err := catalog.Load(ctx.String("catalog"))
	if err != nil {
		return err
	}
	for _, e := range cat.Entries() {
		state := okStyle.Render("deployed")
		if _, err := cat.Resolve(e.ID); err != nil {
			state = failStyle.Render(hotswap.Category(err))
		}
		name := e.DisplayName
		if name == "" {
			name = e.ID
		}
		fmt.Printf("%s %s %s %s\n", titleStyle.Render(name), e.EntryPoint, dimStyle.Render(e.Path), state)
	}
	return nil
}

func inspect(ctx *cli.Context) (err error) {
	l, err := newLoader(ctx)
	if err != nil {
		return
	}
	defer func() { _ = l.Close() }()
	for _, s := range ctx.Args().Slice() {
		var h *hotswap.Handle
		if h, err = l.inst.Load(ctx.Context, hotswap.ModulePath(s), l.scratch.Next()); err != nil {
			return
		}
		fmt.Println(titleStyle.Render(s))
		for _, sym := range h.Symbols() {
			fmt.Println("\t" + sym)
		}
		if symbol := ctx.String("symbol"); symbol != "" {
			ep, ierr := l.inst.Instantiate(h, symbol)
			if ierr != nil {
				fmt.Println(failStyle.Render(hotswap.Category(ierr)), ierr)
			} else {
				fmt.Println(okStyle.Render(fmt.Sprintf("%s %s", ep.Name(), ep.Version())))
				_ = ep.Dispose()
			}
		}
		if err = h.Close(); err != nil {
			return
		}
	}
	return
}
