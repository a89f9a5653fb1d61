package hotswap

import (
	"go.uber.org/zap"
)

type (
	// ModulePath is the on-disk location of one module payload. It never changes once a load begins.
	ModulePath string
	// View is the opaque handle a module returns from CreateView, interpreted by the host UI layer.
	View any
	//EntryPoint is the contract every module entry point implements.
	//
	//Lifecycle:
	//
	//	1. Initialize exactly once, with the HostContext of the load that created the instance.
	//	2. Name, Version and CreateView only between a successful Initialize and Dispose.
	//	3. Dispose exactly once, before the instance becomes unreachable.
	//
	//The Registry enforces this order; hosts never see an instance outside the initialized state.
	EntryPoint interface {
		Initialize(host *HostContext) error
		Name() string
		Version() string
		CreateView(host *HostContext) (View, error)
		Dispose() error
	}
	// AssetLookup resolves a module's bundled assets. Lookups report false when an asset is absent.
	AssetLookup interface {
		String(name string) (string, bool)
		Drawable(name string) ([]byte, bool)
		Layout(name string) (*LayoutDescriptor, bool)
	}
	// LayoutDescriptor is a declarative view tree as shipped by a module.
	LayoutDescriptor struct {
		Kind     string             `yaml:"kind" json:"kind"`
		ID       string             `yaml:"id,omitempty" json:"id,omitempty"`
		Attrs    map[string]string  `yaml:"attrs,omitempty" json:"attrs,omitempty"`
		Children []LayoutDescriptor `yaml:"children,omitempty" json:"children,omitempty"`
	}
	// AssetsFunc builds the asset lookup of one load. Assets kept in p.Dir live and die with the handle.
	AssetsFunc func(p Payload) AssetLookup
	// HostContext is handed to an instance on Initialize and CreateView.
	// A new HostContext is built for every load, so assets always match the handle being activated.
	HostContext struct {
		Assets     AssetLookup
		Logger     *zap.Logger
		Module     ModulePath
		Epoch      ScratchID
		ScratchDir string
	}
	noAssets struct{}
)

// NoAssets is an AssetLookup without any asset.
var NoAssets AssetLookup = noAssets{}

func (noAssets) String(string) (string, bool) { return "", false }
func (noAssets) Drawable(string) ([]byte, bool) { return nil, false }
func (noAssets) Layout(string) (*LayoutDescriptor, bool) { return nil, false }
func noAssetsFunc(Payload) AssetLookup { return NoAssets }

// Text returns a single text node, used by modules that have no layout to offer.
func Text(id, text string) *LayoutDescriptor {
	return &LayoutDescriptor{Kind: "text", ID: id, Attrs: map[string]string{"text": text}}
}

// StringOr looks up a string asset, falling back to def when it is absent.
func (h *HostContext) StringOr(name, def string) string {
	if h == nil || h.Assets == nil {
		return def
	}
	if s, ok := h.Assets.String(name); ok {
		return s
	}
	return def
}
