package util

import (
	"io"
	"reflect"
)

// CloseWithErr closes a resource and logs any error as a warning.
// Nil closers and typed nil pointers are ignored.
func CloseWithErr(closer io.Closer, name string) {
	if isNilCloser(closer) {
		return
	}
	if err := closer.Close(); err != nil {
		if name == "" {
			Warnf("close error: %v", err)
			return
		}
		Warnf("close %s: %v", name, err)
	}
}

func isNilCloser(closer io.Closer) bool {
	if closer == nil {
		return true
	}
	val := reflect.ValueOf(closer)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return val.IsNil()
	default:
		return false
	}
}
