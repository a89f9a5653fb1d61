package object

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotswap"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
	"go.uber.org/zap"
)

// Toolchain drives the go command to produce loadable payloads from module sources.
type Toolchain struct {
	Dir    string      // working directory of sources and outputs, "." if empty
	Pkg    string      // package path of the module, "main" if empty
	Keep   bool        // keep the generated importcfg
	Logger *zap.Logger // nop if nil
}

const importcfg = "importcfg"

func (t Toolchain) dir() string {
	if t.Dir == "" {
		return "."
	}
	return t.Dir
}

func (t Toolchain) pkg() string {
	if t.Pkg == "" {
		return "main"
	}
	return t.Pkg
}

func (t Toolchain) log() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

func (t Toolchain) command(args ...string) *exec.Cmd {
	cmd := exec.Command("go", args...)
	cmd.Dir = t.dir()
	t.log().Debug("execute", zap.Strings("args", cmd.Args))
	return cmd
}

func (t Toolchain) output(args ...string) ([]byte, error) {
	cmd := t.command(args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w\n%s", strings.Join(cmd.Args, " "), err, stderr.String())
	}
	return out, nil
}

// Sources lists the non test go files of the working directory.
func (t Toolchain) Sources() (v []string, err error) {
	e, err := os.ReadDir(t.dir())
	if err != nil {
		return nil, err
	}
	for _, entry := range e {
		n := entry.Name()
		if !entry.IsDir() && strings.HasSuffix(n, ".go") && !strings.HasSuffix(n, "_test.go") {
			v = append(v, n)
		}
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("no go sources in %s", t.dir())
	}
	return
}

// Imports generates the importcfg file for sources in the working directory.
func (t Toolchain) Imports(sources []string) (err error) {
	out, err := t.output(append([]string{"list", "-export", "-f", "{{.Imports}}"}, sources...)...)
	if err != nil {
		return fmt.Errorf("inspect imports: %w", err)
	}
	deps := strings.Fields(strings.Trim(strings.TrimSpace(string(out)), "[]"))
	t.log().Debug("dependencies", zap.Strings("imports", deps))
	cfg, err := t.output(append([]string{"list", "-export", "-f", "{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, deps...)...)
	if err != nil {
		return fmt.Errorf("inspect dependencies: %w", err)
	}
	return os.WriteFile(filepath.Join(t.dir(), importcfg), cfg, 0o644)
}

// Compile sources into an object file named after the first source, returning its path.
// Imports must have been called first.
func (t Toolchain) Compile(sources []string) (string, error) {
	return t.compile(sources, ".o", false)
}

// Archive compiles sources into a go archive named after the first source, returning its path.
func (t Toolchain) Archive(sources []string) (string, error) {
	return t.compile(sources, ".a", true)
}

func (t Toolchain) compile(sources []string, ext string, pack bool) (string, error) {
	if len(sources) == 0 {
		return "", errors.New("missing target sources list")
	}
	name := strings.TrimSuffix(filepath.Base(sources[0]), ".go") + ext
	args := []string{"tool", "compile", "-importcfg", importcfg, "-p", t.pkg(), "-o", name}
	if pack {
		args = append(args, "-pack")
	}
	cmd := t.command(append(args, sources...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", err
	}
	if !t.Keep {
		_ = os.Remove(filepath.Join(t.dir(), importcfg))
	}
	out := filepath.Join(t.dir(), name)
	t.log().Info("compiled", zap.String("output", out))
	return out, nil
}

// Pack compiles sources into an archive and serializes it, together with the export data of
// the included packages, into a linkable file. It returns the path of the linkable.
func (t Toolchain) Pack(sources []string, includes []string) (string, error) {
	archive, err := t.Archive(sources)
	if err != nil {
		return "", err
	}
	files, pkgs := []string{archive}, []string{t.pkg()}
	if len(includes) > 0 {
		out, err := t.output(append([]string{"list", "-export", "-f", "{{.ImportPath}}={{.Export}}"}, includes...)...)
		if err != nil {
			return "", fmt.Errorf("inspect includes: %w", err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
			p, f, ok := strings.Cut(line, "=")
			if !ok || f == "" {
				return "", fmt.Errorf("no export data for %q", p)
			}
			files = append(files, f)
			pkgs = append(pkgs, p)
		}
	}
	l, err := goloader.ReadObjs(files, pkgs)
	if err != nil {
		return "", err
	}
	out := strings.TrimSuffix(archive, ".a") + ".linkable"
	if err = WriteLinkable(l, out); err != nil {
		return "", err
	}
	t.log().Info("packed", zap.String("output", out), zap.Strings("packages", pkgs))
	return out, nil
}

// ReadLinkable reads a serialized linker.
func ReadLinkable(path string) (*goloader.Linker, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(f)
	return goloader.UnSerialize(f)
}

// WriteLinkable serializes a linker to path.
func WriteLinkable(l *goloader.Linker, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = goloader.Serialize(l, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ObjectImports resolves all imported packages and versions (only if it's a module) of an object file.
func ObjectImports(file, pkgPath string) (*Info, error) {
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol), File: file, PkgPath: pkgPath}
	if v.PkgPath == obj.EmptyString {
		v.PkgPath = "main"
	}
	if err := v.Symbols(); err != nil {
		return nil, err
	}
	info := parseInfo(v.ImportPkgs, v.CUFiles)
	info.File = file
	info.PkgPath = v.PkgPath
	return info, nil
}

// LinkerImports resolves all imported packages and versions of the packages inside a linker.
func LinkerImports(link *goloader.Linker) (infos Infos) {
	for _, pkg := range link.Packages {
		info := parseInfo(pkg.ImportPkgs, pkg.CUFiles)
		info.File = pkg.File
		info.PkgPath = pkg.PkgPath
		infos = append(infos, info)
	}
	return
}

// Inspect lists the symbols inside an object file.
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}

// Infos is a stringer slice of Info
type Infos []*Info

func (i Infos) String() string {
	s := strings.Builder{}
	for _, v := range i {
		s.WriteString(v.String())
	}
	return s.String()
}

// Info contains the import information of a package
type Info struct {
	File    string
	PkgPath string
	Imports map[string]string // with pairs of package import path and version
}

func (i Info) String() string {
	s := strings.Builder{}
	s.WriteString(i.PkgPath)
	s.WriteString(" (")
	s.WriteString(i.File)
	s.WriteString(")\n")
	k := fn.MapKeys(i.Imports)
	slices.Sort(k)
	for _, p := range k {
		if v := i.Imports[p]; v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

// parseInfo matches imports against compilation unit files of the module cache,
// whose paths carry the module version as in pkg@v1.2.3/file.go.
func parseInfo(imports, files []string) (i *Info) {
	i = new(Info)
	i.Imports = make(map[string]string, len(imports))
	for _, pkg := range imports {
		i.Imports[pkg] = ""
	}
	for _, f := range files {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		if strings.IndexByte(f, '!') >= 0 {
			f = parseName(f)
		}
		for _, s := range imports {
			if i.Imports[s] != "" {
				continue
			}
			x := strings.Index(f, s)
			if x < 0 {
				continue
			}
			rest := f[x:]
			y := strings.IndexByte(rest, '@')
			if y < 0 {
				continue
			}
			ver := rest[y+1:]
			if z := strings.IndexByte(ver, '/'); z >= 0 {
				ver = ver[:z]
			}
			i.Imports[s] = ver
		}
	}
	return
}

// parseName decodes the module cache escaping, where !x stands for X.
func parseName(f string) string {
	v := strings.Builder{}
	x := false
	for _, i := range []byte(f) {
		switch {
		case i == '!':
			x = true
		case x:
			x = false
			v.WriteByte(i - 32)
		default:
			v.WriteByte(i)
		}
	}
	return v.String()
}

// SDK locations used by goloader to read object files of the running toolchain.
func sdkDirs() (src, dst string, err error) {
	root := os.Getenv("GOROOT")
	if root == "" {
		out, err := exec.Command("go", "env", "GOROOT").Output()
		if err != nil {
			return "", "", fmt.Errorf("locate GOROOT: %w", err)
		}
		root = strings.TrimSpace(string(out))
	}
	return filepath.Join(root, "src", "cmd", "internal"), filepath.Join(root, "src", "cmd", "objfile"), nil
}

// PrepareSDK copies the internals of the go sdk goloader depends on. It does nothing if already prepared.
func PrepareSDK(logger *zap.Logger) error {
	src, dir, err := sdkDirs()
	if err != nil {
		return err
	}
	if _, err = os.Stat(dir); err == nil {
		logger.Info("sdk already prepared", zap.String("dir", dir))
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err = hotswap.CopyDir(src, dir, nil); err != nil {
		return err
	}
	logger.Info("sdk prepared", zap.String("from", src), zap.String("dir", dir))
	return nil
}

// CleanSDK removes the internals copied by PrepareSDK.
func CleanSDK(logger *zap.Logger) error {
	_, dir, err := sdkDirs()
	if err != nil {
		return err
	}
	if _, err = os.Stat(dir); err != nil {
		logger.Info("nothing to clean", zap.String("dir", dir))
		return nil
	}
	if err = os.RemoveAll(dir); err != nil {
		return err
	}
	logger.Info("sdk cleaned", zap.String("dir", dir))
	return nil
}
