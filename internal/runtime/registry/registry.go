// Package registry provides the name-keyed lookup tables used for
// convention-based wiring: filters resolved by a consumer's type name and
// transport instances selected by configuration.
package registry

import (
	"reflect"
	"sort"
	"strings"

	"github.com/alphadose/haxmap"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
)

// Registry maps non-empty names to values. Registering an existing name
// overrides the previous value.
type Registry[T any] interface {
	Register(name string, value T) error
	Get(name string) (T, bool)
	Unregister(name string)
	Has(name string) bool
	List() []string
	Clear()
}

type registry[T any] struct {
	kind   string
	values *haxmap.Map[string, T]
}

// New creates an empty registry. kind names the stored values in error
// messages ("filter", "provider").
func New[T any](kind string) Registry[T] {
	return &registry[T]{
		kind:   kind,
		values: haxmap.New[string, T](),
	}
}

func (r *registry[T]) Register(name string, value T) error {
	if strings.TrimSpace(name) == "" {
		return errspkg.Invalid("%s name must be a non-empty string", r.kind)
	}
	if isNil(value) {
		return errspkg.Invalid("%s %q must not be nil", r.kind, name)
	}
	r.values.Set(name, value)
	return nil
}

func (r *registry[T]) Get(name string) (T, bool) {
	return r.values.Get(name)
}

func (r *registry[T]) Unregister(name string) {
	r.values.Del(name)
}

func (r *registry[T]) Has(name string) bool {
	_, ok := r.values.Get(name)
	return ok
}

// List returns the registered names in lexical order.
func (r *registry[T]) List() []string {
	names := make([]string, 0, r.values.Len())
	r.values.ForEach(func(name string, _ T) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

func (r *registry[T]) Clear() {
	names := r.List()
	if len(names) > 0 {
		r.values.Del(names...)
	}
}

func isNil(v any) bool {
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

// TypeName returns the name used for convention-based lookups: the
// dereferenced type name of v, without package qualifier.
func TypeName(v any) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
