package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/ZenLiuCN/hotswap"
	"github.com/ZenLiuCN/hotswap/object"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "hotswap"
	app.Usage = "hot swappable module loader"
	app.Description = "load, inspect and build modules that can be replaced while the host keeps running"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
		},
		&cli.StringFlag{
			Name:    "scratch",
			EnvVars: []string{"HOTSWAP_SCRATCH"},
			Usage:   "base directory of scratch namespaces, a temporary directory if empty",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		l, err := newLogger(ctx.Bool("debug"))
		if err != nil {
			return err
		}
		hotswap.SetLogger(l)
		return nil
	}
	app.After = func(*cli.Context) error {
		_ = hotswap.Logger().Sync()
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Action: run,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "catalog", Aliases: []string{"c"}, Usage: "module catalog (yaml, toml or hcl)"},
				&cli.StringFlag{Name: "module", Aliases: []string{"m"}, Usage: "module id inside the catalog"},
				&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "module payload (.o, .a, .linkable or .wasm)"},
				&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "entry point symbol of the payload"},
				&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "swap the module whenever its payload is redeployed"},
				&cli.DurationFlag{Name: "debounce", Usage: "quiet period before a redeployed payload is loaded"},
			},
			Usage: "load a module, render its view and optionally keep swapping it on redeploy",
		},
		{
			Name:   "list",
			Action: list,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "catalog", Aliases: []string{"c"}, Required: true},
			},
			Usage: "list the modules of a catalog and whether they are deployed",
		},
		{
			Name:   "inspect",
			Action: inspect,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "symbol", Aliases: []string{"s"}, Usage: "entry point symbol to instantiate"},
			},
			Args:  true,
			Usage: "display the symbols of module payloads",
		},
		{
			Name:   "compile",
			Action: compile,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "pack", Aliases: []string{"a"}, Usage: "pack dependency packages into a linkable"},
				&cli.StringSliceFlag{Name: "includes", Aliases: []string{"i"}, Usage: "dependency packages to pack"},
				&cli.StringFlag{Name: "pkg", Aliases: []string{"k"}, Usage: "package import path, required with -a or --pack"},
				&cli.BoolFlag{Name: "keep", Usage: "keep the generated importcfg"},
			},
			Args:  true,
			Usage: "compile go sources to an object file or linkable. without arguments all sources of the working directory are used.",
		},
		{
			Name:   "imports",
			Action: imports,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"k"}, Usage: "package path or default main"},
			},
			Args:  true,
			Usage: "display imports of go object files or archives",
		},
		{
			Name:   "linkable",
			Action: linkable,
			Args:   true,
			Usage:  "display imports of linkable files",
		},
		{
			Name:   "prepare",
			Action: prepare,
			Usage:  "copy internals of go sdk",
		},
		{
			Name:   "clean",
			Action: clean,
			Usage:  "remove copied internals of go sdk",
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func compile(ctx *cli.Context) (err error) {
	if _, err = exec.LookPath("go"); err != nil {
		return fmt.Errorf("missing go sdk: %w", err)
	}
	t := object.Toolchain{Pkg: ctx.String("pkg"), Keep: ctx.Bool("keep"), Logger: hotswap.Logger()}
	sources := ctx.Args().Slice()
	if len(sources) == 0 || (len(sources) == 1 && sources[0] == ".") {
		if sources, err = t.Sources(); err != nil {
			return
		}
		t.Logger.Debug("found go sources at working directory", zap.Strings("sources", sources))
	}
	if err = t.Imports(sources); err != nil {
		return fmt.Errorf("generate importcfg: %w", err)
	}
	if ctx.Bool("pack") {
		if t.Pkg == "" {
			return fmt.Errorf("required argument -k|--pkg missing")
		}
		_, err = t.Pack(sources, ctx.StringSlice("includes"))
		return
	}
	_, err = t.Compile(sources)
	return
}

func imports(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		v, err := object.ObjectImports(s, ctx.String("pkg"))
		if err != nil {
			return err
		}
		fmt.Print(v.String())
	}
	return nil
}

func linkable(ctx *cli.Context) error {
	for _, s := range ctx.Args().Slice() {
		l, err := object.ReadLinkable(s)
		if err != nil {
			return err
		}
		fmt.Print(object.LinkerImports(l).String())
	}
	return nil
}

func prepare(*cli.Context) error {
	return object.PrepareSDK(hotswap.Logger())
}

func clean(*cli.Context) error {
	return object.CleanSDK(hotswap.Logger())
}
