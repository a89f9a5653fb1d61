package hotswap

import (
	"errors"
	"fmt"
	"reflect"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Construct creates a new object from a symbol value with zero arguments.
//
// Constructible values are:
//
//	1. a func with no input returning one value, or a value and an error;
//	2. a reflect.Type, constructed as a pointer to its zero value (a pointer type yields a new pointee).
//
// Everything else, a nil result, a returned error or a panic is reported as not constructible.
func Construct(v any) (o any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("constructor panic: %w", e)
			} else {
				err = fmt.Errorf("constructor panic: %v", r)
			}
		}
	}()
	switch x := v.(type) {
	case nil:
		return nil, errors.New("nil symbol value")
	case func() any:
		o = x()
	case func() EntryPoint:
		o = x()
	case func() (any, error):
		o, err = x()
	case reflect.Type:
		o, err = constructType(x)
	default:
		o, err = constructFunc(reflect.ValueOf(v))
	}
	if err != nil {
		return nil, err
	}
	if isNil(o) {
		return nil, errors.New("constructor returned nil")
	}
	return o, nil
}

func constructType(t reflect.Type) (any, error) {
	switch t.Kind() {
	case reflect.Interface, reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Invalid:
		return nil, fmt.Errorf("type %s has no zero argument constructor", t)
	case reflect.Pointer:
		return reflect.New(t.Elem()).Interface(), nil
	default:
		return reflect.New(t).Interface(), nil
	}
}

func constructFunc(f reflect.Value) (any, error) {
	t := f.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("symbol of type %s is not a constructor", t)
	}
	if t.NumIn() != 0 || t.IsVariadic() {
		return nil, fmt.Errorf("constructor %s requires arguments", t)
	}
	switch {
	case t.NumOut() == 1 && t.Out(0) != errorType:
		return f.Call(nil)[0].Interface(), nil
	case t.NumOut() == 2 && t.Out(1) == errorType:
		out := f.Call(nil)
		if e := out[1].Interface(); e != nil {
			return nil, e.(error)
		}
		return out[0].Interface(), nil
	default:
		return nil, fmt.Errorf("constructor %s must return one value, optionally with an error", t)
	}
}

func isNil(o any) bool {
	if o == nil {
		return true
	}
	v := reflect.ValueOf(o)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
