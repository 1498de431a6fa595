package cloudevents

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/cebus"
)

// binding is one tag <-> type pair plus a decoder that produces a T without
// reflection-based construction.
type binding struct {
	tag    string
	typ    reflect.Type
	decode func(c cebus.Codec, data []byte) (any, error)
}

// TypeRegistry maps domain types to short wire tags and back.
//
// It is filled during configuration and frozen when a Serializer is built
// from it. After that it is read-only, so lookups take no locks.
type TypeRegistry struct {
	mu     sync.Mutex
	frozen atomic.Bool
	byTag  map[string]*binding
	byType map[reflect.Type]*binding
}

// NewTypeRegistry returns an empty, mutable registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		byTag:  make(map[string]*binding),
		byType: make(map[reflect.Type]*binding),
	}
}

// Register binds T to tag. Registering *T binds T; either way values and
// pointers are accepted on the outbound path and values come back on decode.
func Register[T any](r *TypeRegistry, tag string) error {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		elem := t.Elem()
		return r.add(&binding{
			tag: tag,
			typ: elem,
			decode: func(c cebus.Codec, data []byte) (any, error) {
				v := reflect.New(elem)
				if err := c.Unmarshal(data, v.Interface()); err != nil {
					return nil, err
				}
				return v.Elem().Interface(), nil
			},
		})
	}
	return r.add(&binding{
		tag: tag,
		typ: t,
		decode: func(c cebus.Codec, data []byte) (any, error) {
			var v T
			if err := c.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

// MustRegister is Register for static startup wiring; it panics on error.
func MustRegister[T any](r *TypeRegistry, tag string) {
	if err := Register[T](r, tag); err != nil {
		panic(err)
	}
}

func (r *TypeRegistry) add(b *binding) error {
	if b.tag == "" {
		return ErrEmptyTag
	}
	switch b.typ.Kind() {
	case reflect.Pointer, reflect.Interface:
		return &UnregisteredTypeError{Type: b.typ}
	}
	if b.tag == b.typ.String() || (b.typ.PkgPath() != "" && b.tag == b.typ.PkgPath()+"."+b.typ.Name()) {
		return ErrRuntimeTypeTag
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return ErrRegistryFrozen
	}
	if existing, ok := r.byTag[b.tag]; ok && existing.typ != b.typ {
		return &DuplicateTagError{Tag: b.tag, Existing: existing.typ, Type: b.typ}
	}
	if existing, ok := r.byType[b.typ]; ok {
		if existing.tag == b.tag {
			return nil
		}
		return &DuplicateTypeError{Type: b.typ, Existing: existing.tag, Tag: b.tag}
	}
	r.byTag[b.tag] = b
	r.byType[b.typ] = b
	return nil
}

// Freeze makes the registry read-only. It is idempotent.
func (r *TypeRegistry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *TypeRegistry) Frozen() bool { return r.frozen.Load() }

// Resolve returns the domain type bound to tag.
func (r *TypeRegistry) Resolve(tag string) (reflect.Type, error) {
	b, err := r.lookupTag(tag)
	if err != nil {
		return nil, err
	}
	return b.typ, nil
}

// TagFor returns the tag of v's type. Pointers are dereferenced.
func (r *TypeRegistry) TagFor(v any) (string, error) {
	return r.TagOf(reflect.TypeOf(v))
}

// TagOf returns the tag bound to t. Pointer types resolve to their element.
func (r *TypeRegistry) TagOf(t reflect.Type) (string, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	b, ok := r.byType[t]
	if !ok {
		return "", &UnregisteredTypeError{Type: t}
	}
	return b.tag, nil
}

// Tags lists registered tags in sorted order.
func (r *TypeRegistry) Tags() []string {
	tags := make([]string, 0, len(r.byTag))
	for t := range r.byTag {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of registered mappings.
func (r *TypeRegistry) Len() int { return len(r.byTag) }

func (r *TypeRegistry) lookupTag(tag string) (*binding, error) {
	b, ok := r.byTag[tag]
	if !ok {
		return nil, &UnknownTagError{Tag: tag}
	}
	return b, nil
}
