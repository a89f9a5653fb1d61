package wasm

import (
	"bytes"
)

// Minimal WebAssembly binary encoder for test modules.

const (
	opI32Const  = 0x41
	opI64Const  = 0x42
	opCall      = 0x10
	opEnd       = 0x0b
	opUnreach   = 0x00
	typeFunc    = 0x60
	typeI32     = 0x7f
	typeI64     = 0x7e
	kindFunc    = 0x00
	kindMemory  = 0x02
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secExport   = 7
	secCode     = 10
	secData     = 11
)

type (
	wasmFunc struct {
		export  string
		params  []byte
		results []byte
		body    []byte
	}
	wasmModule struct {
		log    bool // import hotswap.log as function 0
		memory bool
		funcs  []wasmFunc
		data   []byte // placed at offset 0
	}
)

func uleb(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func sleb(v int64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	b := uleb(uint64(len(items)))
	for _, i := range items {
		b = append(b, i...)
	}
	return b
}

func section(id byte, content []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(content)))...), content...)
}

func functype(params, results []byte) []byte {
	b := []byte{typeFunc}
	b = append(b, uleb(uint64(len(params)))...)
	b = append(b, params...)
	b = append(b, uleb(uint64(len(results)))...)
	return append(b, results...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(int64(v))...)
}

func i64Const(v int64) []byte {
	return append([]byte{opI64Const}, sleb(v)...)
}

func (m wasmModule) encode() []byte {
	var types, funcs, exports, codes [][]byte
	imported := 0
	var imports [][]byte
	if m.log {
		types = append(types, functype([]byte{typeI32, typeI32}, nil))
		imports = append(imports, append(append(name(HostModule), name("log")...), kindFunc, 0))
		imported = 1
	}
	for i, f := range m.funcs {
		idx := len(types)
		types = append(types, functype(f.params, f.results))
		funcs = append(funcs, uleb(uint64(idx)))
		if f.export != "" {
			exports = append(exports, append(append(name(f.export), kindFunc), uleb(uint64(imported+i))...))
		}
		body := append(vec(), f.body...)
		body = append(body, opEnd)
		codes = append(codes, append(uleb(uint64(len(body))), body...))
	}
	if m.memory {
		exports = append(exports, append(name(MemoryName), kindMemory, 0))
	}
	var b bytes.Buffer
	b.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})
	b.Write(section(secType, vec(types...)))
	if len(imports) > 0 {
		b.Write(section(secImport, vec(imports...)))
	}
	b.Write(section(secFunction, vec(funcs...)))
	if m.memory {
		b.Write(section(secMemory, vec([]byte{0x00, 0x01})))
	}
	b.Write(section(secExport, vec(exports...)))
	b.Write(section(secCode, vec(codes...)))
	if m.memory && len(m.data) > 0 {
		seg := []byte{0x00}
		seg = append(seg, i32Const(0)...)
		seg = append(seg, opEnd)
		seg = append(seg, name(string(m.data))...)
		b.Write(section(secData, vec(seg)))
	}
	return b.Bytes()
}

// pluginSpec describes a test entry point module.
type pluginSpec struct {
	symbol   string
	name     string
	version  string
	view     string
	status   int32 // returned by initialize
	trap     bool  // initialize traps
	omit     string
	wrongSig string
}

// build a module exporting the entry point of s. initialize and dispose log "<op> <version>".
func (s pluginSpec) build() []byte {
	m := wasmModule{log: true, memory: true}
	put := func(str string) int64 {
		off := len(m.data)
		m.data = append(m.data, str...)
		return int64(off)<<32 | int64(len(str))
	}
	logCall := func(str string) []byte {
		p := put(str)
		b := i32Const(int32(p >> 32))
		b = append(b, i32Const(int32(uint32(p)))...)
		return append(append(b, opCall), uleb(0)...)
	}
	text := func(op, str string) wasmFunc {
		return wasmFunc{export: s.symbol + "." + op, results: []byte{typeI64}, body: i64Const(put(str))}
	}
	initBody := logCall("initialize " + s.version)
	if s.trap {
		initBody = append(initBody, opUnreach)
	} else {
		initBody = append(initBody, i32Const(s.status)...)
	}
	fs := []wasmFunc{
		{export: s.symbol + "." + opInitialize, results: []byte{typeI32}, body: initBody},
		text(opName, s.name),
		text(opVersion, s.version),
		text(opCreateView, s.view),
		{export: s.symbol + "." + opDispose, body: logCall("dispose " + s.version)},
	}
	for _, f := range fs {
		switch f.export {
		case s.symbol + "." + s.omit:
			continue
		case s.symbol + "." + s.wrongSig:
			f.params = []byte{typeI32}
		}
		m.funcs = append(m.funcs, f)
	}
	return m.encode()
}
