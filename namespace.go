package hotswap

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
)

type (
	// Origin tells which namespace a Symbol was resolved from.
	Origin uint8
	// Symbol is one resolved symbol. Value is whatever the owning namespace stores for it:
	// host values as defined, module values as produced by the Backend.
	Symbol struct {
		Name   string
		Origin Origin
		Epoch  ScratchID //zero for host symbols
		Value  any
	}
	// Namespace is the host side symbol table modules fall back to.
	//
	// Lookups inside a Namespace follow the usual parent-first order: the parent chain (for example
	// a builtins namespace) answers before this namespace. Only module handles invert this order.
	Namespace struct {
		name   string
		parent *Namespace
		mu     sync.RWMutex
		syms   map[string]any
	}
)

const (
	OriginHost Origin = iota + 1
	OriginModule
)

func (o Origin) String() string {
	switch o {
	case OriginHost:
		return "host"
	case OriginModule:
		return "module"
	default:
		return "unknown"
	}
}

// NewNamespace creates a namespace delegating to parent, which may be nil.
func NewNamespace(name string, parent *Namespace) *Namespace {
	return &Namespace{name: name, parent: parent, syms: make(map[string]any)}
}

// Name of the namespace.
func (ns *Namespace) Name() string {
	return ns.name
}

// Parent namespace, nil for a root.
func (ns *Namespace) Parent() *Namespace {
	return ns.parent
}

// Define registers a value under name, replacing any previous definition in this namespace.
// Constructible values are zero argument functions and reflect.Type, see Construct.
func (ns *Namespace) Define(name string, v any) *Namespace {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.syms[name] = v
	return ns
}

// DefineType registers the type of T, constructed as a pointer to a zero T.
func DefineType[T any](ns *Namespace, name string) *Namespace {
	return ns.Define(name, reflect.TypeOf((*T)(nil)).Elem())
}

// Lookup resolves name through the parent chain first, then this namespace.
func (ns *Namespace) Lookup(name string) (Symbol, error) {
	if ns.parent != nil {
		if s, err := ns.parent.Lookup(name); err == nil {
			return s, nil
		}
	}
	ns.mu.RLock()
	v, ok := ns.syms[name]
	ns.mu.RUnlock()
	if !ok {
		return Symbol{}, fmt.Errorf("symbol %q not defined in namespace %q", name, ns.name)
	}
	return Symbol{Name: name, Origin: OriginHost, Value: v}, nil
}

// Symbols defined in this namespace, sorted, excluding the parent chain.
func (ns *Namespace) Symbols() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	s := fn.MapKeys(ns.syms)
	slices.Sort(s)
	return s
}
