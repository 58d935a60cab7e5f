package runtime

import (
	"reflect"
	"unsafe"
)

// eface is the runtime layout of an empty interface.
type eface struct {
	typ  unsafe.Pointer
	data unsafe.Pointer
}

// sameRef compares two values by reference. Funcs compare by closure
// pointer, so the same func value matches itself while two closures from
// the same literal do not. Reference kinds compare by address and other
// comparable values by ==.
func sameRef(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) {
		return false
	}
	switch ta.Kind() {
	case reflect.Func:
		return funcData(a) == funcData(b)
	case reflect.Map, reflect.Slice, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return safeEqual(a, b)
}

// funcData returns the data word of the interface holding a func, which
// points at the closure object. reflect.Value.Pointer is not usable here:
// for a Func it returns the code pointer, shared by every closure built from
// the same literal, so two components subscribing closures over different
// state would collapse into one subscription.
func funcData(v any) unsafe.Pointer {
	return (*eface)(unsafe.Pointer(&v)).data
}

// safeEqual guards against structs holding uncomparable dynamic values.
func safeEqual(a, b any) (equal bool) {
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return a == b
}

// isNilValue reports whether v is nil or a typed nil.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
