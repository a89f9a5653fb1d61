package wasm

import (
	"fmt"
	"slices"

	"github.com/ZenLiuCN/hotswap"
	"github.com/tetratelabs/wazero/api"
)

const (
	opInitialize = "initialize"
	opName       = "name"
	opVersion    = "version"
	opCreateView = "create_view"
	opDispose    = "dispose"
)

var (
	operations = []string{opInitialize, opName, opVersion, opCreateView, opDispose}
	i32        = []api.ValueType{api.ValueTypeI32}
	i64        = []api.ValueType{api.ValueTypeI64}
	signatures = map[string][2][]api.ValueType{
		opInitialize: {nil, i32},
		opName:       {nil, i64},
		opVersion:    {nil, i64},
		opCreateView: {nil, i64},
		opDispose:    {nil, nil},
	}
)

type (
	// Entry is an entry point implemented by the exports of a module.
	Entry struct {
		c      *code
		symbol string
	}
	// Partial is the object constructed for a symbol missing some entry point exports.
	// It does not implement the entry point contract.
	Partial struct {
		Symbol  string
		Exports []string
		Missing []string
	}
)

func (c *code) entry(symbol string) any {
	var exports, missing []string
	for _, op := range operations {
		name := symbol + "." + op
		d, ok := c.defs[name]
		if ok && sameTypes(d.ParamTypes(), signatures[op][0]) && sameTypes(d.ResultTypes(), signatures[op][1]) {
			exports = append(exports, name)
		} else {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &Partial{Symbol: symbol, Exports: exports, Missing: missing}
	}
	return &Entry{c: c, symbol: symbol}
}

func sameTypes(a, b []api.ValueType) bool {
	return slices.Equal(a, b)
}

// Symbol this entry was constructed for.
func (e *Entry) Symbol() string {
	return e.symbol
}

func (e *Entry) Initialize(*hotswap.HostContext) error {
	var status uint32
	err := e.c.call(e.symbol+"."+opInitialize, func(_ api.Module, r []uint64) error {
		status = api.DecodeU32(r[0])
		return nil
	})
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("%s.%s returned %d", e.symbol, opInitialize, int32(status))
	}
	return nil
}

func (e *Entry) Name() string {
	s, _ := e.c.text(e.symbol + "." + opName)
	return s
}

func (e *Entry) Version() string {
	s, _ := e.c.text(e.symbol + "." + opVersion)
	return s
}

func (e *Entry) CreateView(host *hotswap.HostContext) (hotswap.View, error) {
	s, err := e.c.text(e.symbol + "." + opCreateView)
	if err != nil {
		return nil, err
	}
	if host != nil && host.Assets != nil {
		if l, ok := host.Assets.Layout(s); ok {
			return l, nil
		}
	}
	return hotswap.Text(e.symbol, s), nil
}

func (e *Entry) Dispose() error {
	return e.c.call(e.symbol+"."+opDispose, nil)
}
