package hotswap

import (
	"errors"
	"fmt"
	"strings"
)

// LoadKind categorizes a LoadError.
type LoadKind string

// InstantiateKind categorizes an InstantiateError.
type InstantiateKind string

const (
	KindNotFound                LoadKind = "not_found"
	KindUnreadable              LoadKind = "unreadable"
	KindNamespaceCreationFailed LoadKind = "namespace_creation_failed"

	KindSymbolNotFound       InstantiateKind = "symbol_not_found"
	KindNotConstructible     InstantiateKind = "not_constructible"
	KindContractMismatch     InstantiateKind = "contract_mismatch"
	KindInitializationFailed InstantiateKind = "initialization_failed"
)

var (
	// ErrNotFound matches a LoadError of KindNotFound.
	ErrNotFound = errors.New("module payload not found")
	// ErrUnreadable matches a LoadError of KindUnreadable.
	ErrUnreadable = errors.New("module payload unreadable")
	// ErrNamespaceCreationFailed matches a LoadError of KindNamespaceCreationFailed.
	ErrNamespaceCreationFailed = errors.New("scratch namespace creation failed")
	// ErrSymbolNotFound matches an InstantiateError of KindSymbolNotFound and any NotFoundError.
	ErrSymbolNotFound = errors.New("entry point symbol not found")
	// ErrNotConstructible matches an InstantiateError of KindNotConstructible.
	ErrNotConstructible = errors.New("entry point not constructible")
	// ErrContractMismatch matches an InstantiateError of KindContractMismatch.
	ErrContractMismatch = errors.New("entry point contract mismatch")
	// ErrInitializationFailed matches an InstantiateError of KindInitializationFailed.
	ErrInitializationFailed = errors.New("entry point initialization failed")
	// ErrHandleClosed occurs when resolving through a handle that was superseded or closed.
	ErrHandleClosed = errors.New("module handle closed")
	// ErrUnsupportedPayload occurs when no backend handles a payload type.
	ErrUnsupportedPayload = errors.New("unsupported payload type")
)

var loadSentinels = map[LoadKind]error{
	KindNotFound:                ErrNotFound,
	KindUnreadable:              ErrUnreadable,
	KindNamespaceCreationFailed: ErrNamespaceCreationFailed,
}

var instantiateSentinels = map[InstantiateKind]error{
	KindSymbolNotFound:       ErrSymbolNotFound,
	KindNotConstructible:     ErrNotConstructible,
	KindContractMismatch:     ErrContractMismatch,
	KindInitializationFailed: ErrInitializationFailed,
}

// LoadError reports why a payload could not be turned into a Handle.
type LoadError struct {
	Kind  LoadKind
	Path  ModulePath
	Cause error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString("load ")
	b.WriteString(string(e.Path))
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the kind, or another LoadError of the same kind.
func (e *LoadError) Is(target error) bool {
	if t, ok := target.(*LoadError); ok {
		return e.Kind == t.Kind
	}
	return loadSentinels[e.Kind] == target
}

// InstantiateError reports why an entry point could not be instantiated from a Handle.
type InstantiateError struct {
	Kind   InstantiateKind
	Symbol string
	Cause  error
}

func (e *InstantiateError) Error() string {
	var b strings.Builder
	b.WriteString("instantiate ")
	b.WriteString(e.Symbol)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *InstantiateError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the kind, or another InstantiateError of the same kind.
func (e *InstantiateError) Is(target error) bool {
	if t, ok := target.(*InstantiateError); ok {
		return e.Kind == t.Kind
	}
	return instantiateSentinels[e.Kind] == target
}

// NotFoundError occurs when a symbol exists neither in a module nor in the host namespace.
type NotFoundError struct {
	Symbol string
	Module ModulePath
	Epoch  ScratchID
	Cause  error
}

func (e *NotFoundError) Error() string {
	s := fmt.Sprintf("symbol %q not found in module %s (load %d) or its host namespace", e.Symbol, e.Module, e.Epoch)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *NotFoundError) Unwrap() error {
	return e.Cause
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrSymbolNotFound
}

// Category returns the user-visible category of an error returned by this package,
// "unknown" for foreign errors and "" for nil.
func Category(err error) string {
	if err == nil {
		return ""
	}
	var le *LoadError
	if errors.As(err, &le) {
		return string(le.Kind)
	}
	var ie *InstantiateError
	if errors.As(err, &ie) {
		return string(ie.Kind)
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return string(KindSymbolNotFound)
	}
	return "unknown"
}

func loadError(kind LoadKind, path ModulePath, cause error) *LoadError {
	return &LoadError{Kind: kind, Path: path, Cause: cause}
}

func instantiateError(kind InstantiateKind, symbol string, cause error) *InstantiateError {
	return &InstantiateError{Kind: kind, Symbol: symbol, Cause: cause}
}
