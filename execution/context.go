// Package execution provides the ExecutionContext: the resolution environment installed
// once at handshake and threaded explicitly through every later decode.
//
// A Context is a two-way table between wire type names and Go types, bound to one codec.
// Both processes build the same table from a compiled-in Catalog entry; the handshake
// only names which entry to use.
package execution

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"

	"forkrpc/codec"
	"forkrpc/message"
)

// NilType is the wire type name of a nil value.
const NilType = "nil"

var (
	ErrUnknownType      = errors.New("execution: unknown type")
	ErrUnregisteredType = errors.New("execution: unregistered type")
	ErrDuplicateType    = errors.New("execution: duplicate type")
	ErrWrongKind        = errors.New("execution: unexpected frame kind")
)

// Context resolves frames for one worker channel. Registration happens while the
// context is being built by its Provider; afterwards it is read-only and safe to share.
type Context struct {
	name     string
	settings map[string]string
	codec    codec.Codec
	byName   map[string]reflect.Type
	byType   map[reflect.Type]string
}

// New returns a context with the builtin scalar types and the generic fault registered.
func New(name string, c codec.Codec) *Context {
	ctx := &Context{
		name:     name,
		settings: map[string]string{},
		codec:    c,
		byName:   make(map[string]reflect.Type),
		byType:   make(map[reflect.Type]string),
	}
	ctx.MustRegister("string", "")
	ctx.MustRegister("bool", false)
	ctx.MustRegister("int", int(0))
	ctx.MustRegister("int64", int64(0))
	ctx.MustRegister("float64", float64(0))
	ctx.MustRegister("bytes", []byte(nil))
	ctx.MustRegister("strings", []string(nil))
	ctx.MustRegister("fault", (*message.Fault)(nil))
	return ctx
}

func (c *Context) Name() string                { return c.name }
func (c *Context) Codec() codec.Codec          { return c.codec }
func (c *Context) Settings() map[string]string { return c.settings }

// Register binds name to the dynamic type of sample. Pointer samples decode to pointers.
func (c *Context) Register(name string, sample any) error {
	if name == "" || name == NilType || sample == nil {
		return errors.Errorf("execution: invalid registration %q", name)
	}
	typ := reflect.TypeOf(sample)
	if _, ok := c.byName[name]; ok {
		return errors.Wrap(ErrDuplicateType, name)
	}
	if prev, ok := c.byType[typ]; ok {
		return errors.Wrapf(ErrDuplicateType, "%s already registered as %q", typ, prev)
	}
	c.byName[name] = typ
	c.byType[typ] = name
	return nil
}

func (c *Context) MustRegister(name string, sample any) {
	if err := c.Register(name, sample); err != nil {
		panic(err)
	}
}

// TypeName returns the wire name registered for the dynamic type of v.
func (c *Context) TypeName(v any) (string, bool) {
	if v == nil {
		return NilType, true
	}
	name, ok := c.byType[reflect.TypeOf(v)]
	return name, ok
}

// Encode returns the frame body carrying v as a frame of the given kind.
func (c *Context) Encode(kind message.Kind, v any) ([]byte, error) {
	name, ok := c.TypeName(v)
	if !ok {
		return nil, errors.Wrapf(ErrUnregisteredType, "%T in context %q", v, c.name)
	}
	env := message.Envelope{Kind: kind, Type: name}
	if v != nil {
		data, err := c.codec.Encode(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", name)
		}
		env.Data = data
	}
	return c.codec.Encode(&env)
}

// Decode interprets a frame body as a value of the given kind.
func (c *Context) Decode(kind message.Kind, body []byte) (any, error) {
	env, err := openEnvelope(c.codec, kind, body)
	if err != nil {
		return nil, err
	}
	if env.Type == NilType {
		return nil, nil
	}
	typ, ok := c.byName[env.Type]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q in context %q", env.Type, c.name)
	}
	ptr := reflect.New(typ)
	if err := c.codec.Decode(env.Data, ptr.Interface()); err != nil {
		return nil, errors.Wrapf(err, "decode %s", env.Type)
	}
	return ptr.Elem().Interface(), nil
}

// Instantiate builds a value of the registered type name. fill, if not nil, receives a
// pointer to populate (for pointer types, the freshly allocated pointee).
func (c *Context) Instantiate(name string, fill func(target any) error) (any, error) {
	typ, ok := c.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q in context %q", name, c.name)
	}
	ptr := reflect.New(typ)
	target := ptr.Interface()
	if typ.Kind() == reflect.Ptr {
		ptr.Elem().Set(reflect.New(typ.Elem()))
		target = ptr.Elem().Interface()
	}
	if fill != nil {
		if err := fill(target); err != nil {
			return nil, errors.Wrapf(err, "populate %s", name)
		}
	}
	return ptr.Elem().Interface(), nil
}

// EncodeFault encodes err for an ERROR reply. A registered error type is sent as-is;
// anything else, or anything that fails to encode, is replaced by a generic Fault that
// keeps the message and the %+v rendering.
func (c *Context) EncodeFault(err error) ([]byte, error) {
	if _, ok := c.TypeName(err); ok {
		if body, encErr := c.Encode(message.KindFault, err); encErr == nil {
			return body, nil
		}
	}
	return c.Encode(message.KindFault, message.NewFault(err))
}

// DecodeFault decodes an ERROR reply back into an error value.
func (c *Context) DecodeFault(body []byte) (error, error) {
	v, err := c.Decode(message.KindFault, body)
	if err != nil {
		return nil, err
	}
	if fault, ok := v.(error); ok && fault != nil {
		return fault, nil
	}
	return &message.Fault{Type: fmt.Sprintf("%T", v), Message: fmt.Sprintf("%v", v)}, nil
}

func openEnvelope(c codec.Codec, kind message.Kind, body []byte) (*message.Envelope, error) {
	var env message.Envelope
	if err := c.Decode(body, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if env.Kind != kind {
		return nil, errors.Wrapf(ErrWrongKind, "want %s, got %q", kind, env.Kind)
	}
	return &env, nil
}
