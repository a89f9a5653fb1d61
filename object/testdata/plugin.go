package main

import (
	"errors"

	"github.com/ZenLiuCN/hotswap"
)

// Compiling needs the hotswap command on PATH, see cmd/hotswap.
//
//go:generate hotswap compile plugin.go
type plugin struct {
	host *hotswap.HostContext
}

func (p *plugin) Initialize(host *hotswap.HostContext) error {
	if host == nil {
		return errors.New("missing host")
	}
	p.host = host
	host.Logger.Info("plugin initialized")
	return nil
}

func (p *plugin) Name() string {
	return p.host.StringOr("plugin_name", "Dynamic Plugin")
}

func (p *plugin) Version() string {
	return "1.0.0"
}

func (p *plugin) CreateView(host *hotswap.HostContext) (hotswap.View, error) {
	if l, ok := host.Assets.Layout("main"); ok {
		return l, nil
	}
	return hotswap.Text("root", p.Name()), nil
}

func (p *plugin) Dispose() error {
	p.host = nil
	return nil
}

func NewPlugin() any {
	return &plugin{}
}

func main() {}
