// Package asset provides module asset lookups over a directory tree:
//
//	values/strings.yaml    map of string name to value
//	drawable/<name>.<ext>  raw bytes of images or other binaries
//	layout/<name>.yaml     a hotswap.LayoutDescriptor
//
// Strings are parsed once on first use, drawables and layouts are read on every lookup.
package asset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ZenLiuCN/hotswap"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	StringsFile = "values/strings.yaml"
	DrawableDir = "drawable"
	LayoutDir   = "layout"
	// Suffix of the asset directory placed beside a payload.
	Suffix = ".assets"
)

// Lookup is a hotswap.AssetLookup over a file system.
type Lookup struct {
	fsys    fs.FS
	once    sync.Once
	strings map[string]string
	err     error
}

// FS creates a lookup over fsys.
func FS(fsys fs.FS) *Lookup {
	return &Lookup{fsys: fsys}
}

// Dir creates a lookup over the directory root.
func Dir(root string) *Lookup {
	return FS(os.DirFS(root))
}

// Beside is a hotswap.AssetsFunc using the directory <payload without extension>.assets
// beside a module payload, or no assets when there is none.
//
// The directory is copied into the scratch namespace of the load, so an active instance keeps
// its own assets while newer ones are deployed beside the payload.
func Beside(p hotswap.Payload) hotswap.AssetLookup {
	src := BesideDir(p.Origin)
	fi, err := os.Stat(src)
	if err != nil || !fi.IsDir() {
		return hotswap.NoAssets
	}
	dst := filepath.Join(p.Dir, filepath.Base(src))
	if err = hotswap.CopyDir(src, dst, fi); err != nil {
		hotswap.Logger().Warn("stage assets", zap.String("dir", src), zap.Uint64("epoch", uint64(p.ID)), zap.Error(err))
		return hotswap.NoAssets
	}
	return Dir(dst)
}

// BesideDir is the asset directory Beside uses for p.
func BesideDir(p hotswap.ModulePath) string {
	s := string(p)
	return strings.TrimSuffix(s, filepath.Ext(s)) + Suffix
}

func (l *Lookup) load() {
	b, err := fs.ReadFile(l.fsys, StringsFile)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		l.err = err
		return
	}
	if err = yaml.Unmarshal(b, &l.strings); err != nil {
		l.err = fmt.Errorf("parse %s: %w", StringsFile, err)
	}
}

// Err reports a failure to read the strings of the lookup.
func (l *Lookup) Err() error {
	l.once.Do(l.load)
	return l.err
}

func (l *Lookup) String(name string) (string, bool) {
	l.once.Do(l.load)
	s, ok := l.strings[name]
	return s, ok
}

// Strings returns a copy of all strings.
func (l *Lookup) Strings() map[string]string {
	l.once.Do(l.load)
	m := make(map[string]string, len(l.strings))
	for k, v := range l.strings {
		m[k] = v
	}
	return m
}

// Drawable finds drawable/<name> with any extension, or exactly drawable/<name> when name has one.
func (l *Lookup) Drawable(name string) ([]byte, bool) {
	if !fs.ValidPath(name) || strings.Contains(name, "/") {
		return nil, false
	}
	if b, err := fs.ReadFile(l.fsys, path.Join(DrawableDir, name)); err == nil {
		return b, true
	}
	entries, err := fs.ReadDir(l.fsys, DrawableDir)
	if err != nil {
		return nil, false
	}
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.TrimSuffix(n, path.Ext(n)) == name {
			b, err := fs.ReadFile(l.fsys, path.Join(DrawableDir, n))
			return b, err == nil
		}
	}
	return nil, false
}

func (l *Lookup) Layout(name string) (*hotswap.LayoutDescriptor, bool) {
	d, err := l.ReadLayout(name)
	return d, err == nil
}

// ReadLayout reads layout/<name>.yaml (or .yml), reporting why it failed.
func (l *Lookup) ReadLayout(name string) (*hotswap.LayoutDescriptor, error) {
	if !fs.ValidPath(name) || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid layout name %q", name)
	}
	var b []byte
	var err error
	for _, ext := range []string{".yaml", ".yml"} {
		if b, err = fs.ReadFile(l.fsys, path.Join(LayoutDir, name+ext)); err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	d := new(hotswap.LayoutDescriptor)
	if err = yaml.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("parse layout %s: %w", name, err)
	}
	if err = validate(d); err != nil {
		return nil, fmt.Errorf("layout %s: %w", name, err)
	}
	return d, nil
}

func validate(d *hotswap.LayoutDescriptor) error {
	if d.Kind == "" {
		if d.ID != "" {
			return fmt.Errorf("node %q without kind", d.ID)
		}
		return errors.New("node without kind")
	}
	for i := range d.Children {
		if err := validate(&d.Children[i]); err != nil {
			return err
		}
	}
	return nil
}
