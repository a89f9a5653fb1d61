// Package catalog is the module registry of a host: which modules exist, their entry point symbols,
// and where their payloads are deployed.
//
// Catalog files are YAML, TOML or HCL, chosen by extension:
//
//	modules:
//	  - id: hello
//	    entry_point: Plugin
//	    path: hello.wasm
//
//	[[modules]]
//	id = "hello"
//	entry_point = "Plugin"
//	path = "hello.wasm"
//
//	module "hello" {
//	  entry_point = "Plugin"
//	  path        = "hello.wasm"
//	}
//
// Relative payload paths are resolved against the directory of the catalog file.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/hotswap"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type (
	// Entry of one module.
	Entry struct {
		ID          string `yaml:"id" toml:"id" hcl:"id,label"`
		EntryPoint  string `yaml:"entry_point" toml:"entry_point" hcl:"entry_point"`
		Path        string `yaml:"path" toml:"path" hcl:"path"`
		DisplayName string `yaml:"display_name,omitempty" toml:"display_name,omitempty" hcl:"display_name,optional"`
		Description string `yaml:"description,omitempty" toml:"description,omitempty" hcl:"description,optional"`
	}
	// Catalog of modules, immutable once created.
	Catalog struct {
		dir     string
		entries map[string]Entry
	}
	file struct {
		Modules []Entry `yaml:"modules" toml:"modules" hcl:"module,block"`
	}
)

var (
	// ErrNotRegistered occurs when a module id is not in the catalog.
	ErrNotRegistered = errors.New("module not registered")
	// ErrInvalid occurs when catalog entries are incomplete or ambiguous.
	ErrInvalid = errors.New("invalid catalog")
)

// New creates a catalog of entries whose relative paths are resolved against dir.
func New(dir string, entries ...Entry) (*Catalog, error) {
	c := &Catalog{dir: dir, entries: make(map[string]Entry, len(entries))}
	for i, e := range entries {
		switch {
		case e.ID == "":
			return nil, fmt.Errorf("%w: entry %d without id", ErrInvalid, i)
		case e.EntryPoint == "":
			return nil, fmt.Errorf("%w: module %q without entry point", ErrInvalid, e.ID)
		case e.Path == "":
			return nil, fmt.Errorf("%w: module %q without path", ErrInvalid, e.ID)
		}
		if _, ok := c.entries[e.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate module %q", ErrInvalid, e.ID)
		}
		c.entries[e.ID] = e
	}
	return c, nil
}

// Load a catalog file.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return New(abs, entries...)
}

// Parse catalog content, the format is chosen by the extension of name.
func Parse(name string, b []byte) ([]Entry, error) {
	var f file
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
	case ".hcl":
		hf, diags := hclparse.NewParser().ParseHCL(b, name)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse %s: %w", name, diags)
		}
		if diags = gohcl.DecodeBody(hf.Body, nil, &f); diags.HasErrors() {
			return nil, fmt.Errorf("decode %s: %w", name, diags)
		}
	default:
		return nil, fmt.Errorf("%w: unknown catalog format %q", ErrInvalid, ext)
	}
	return f.Modules, nil
}

// Dir relative paths are resolved against.
func (c *Catalog) Dir() string {
	return c.dir
}

// Lookup the entry point symbol of a module.
func (c *Catalog) Lookup(id string) (string, bool) {
	e, ok := c.entries[id]
	return e.EntryPoint, ok
}

// Get the entry of a module.
func (c *Catalog) Get(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// IDs of all modules, sorted.
func (c *Catalog) IDs() []string {
	ids := fn.MapKeys(c.entries)
	slices.Sort(ids)
	return ids
}

// Entries of all modules, sorted by id.
func (c *Catalog) Entries() []Entry {
	ids := c.IDs()
	v := make([]Entry, len(ids))
	for i, id := range ids {
		v[i] = c.entries[id]
	}
	return v
}

// Path of the payload of a module, whether deployed or not.
func (c *Catalog) Path(id string) (hotswap.ModulePath, error) {
	e, ok := c.entries[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotRegistered, id)
	}
	p := e.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.dir, p)
	}
	return hotswap.ModulePath(filepath.Clean(p)), nil
}

// Resolve the deployed payload of a module. A payload missing on disk is a hotswap.LoadError of KindNotFound.
func (c *Catalog) Resolve(id string) (hotswap.ModulePath, error) {
	p, err := c.Path(id)
	if err != nil {
		return "", err
	}
	if _, err = os.Stat(string(p)); err != nil {
		kind := hotswap.KindUnreadable
		if errors.Is(err, os.ErrNotExist) {
			kind = hotswap.KindNotFound
		}
		return "", &hotswap.LoadError{Kind: kind, Path: p, Cause: err}
	}
	return p, nil
}

// Available entries are those whose payload is deployed.
func (c *Catalog) Available() (v []Entry) {
	for _, e := range c.Entries() {
		if _, err := c.Resolve(e.ID); err == nil {
			v = append(v, e)
		}
	}
	return
}
