package worker

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// ErrBadArgument marks an argument that cannot be bound to the parameter type.
var ErrBadArgument = errors.New("worker: bad argument")

// scanMethods turns the exported methods of w into operations.
// Eligible methods:
//   - optional leading context.Context parameter (not counted in arity)
//   - return nothing, or a single error
//
// Others are skipped.
func scanMethods(w any) ([]Operation, error) {
	rcvr := reflect.ValueOf(w)
	typ := rcvr.Type()

	var ops []Operation
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		mt := method.Type
		if mt.NumOut() > 1 || (mt.NumOut() == 1 && mt.Out(0) != errorType) {
			continue
		}
		withCtx := mt.NumIn() > 1 && mt.In(1) == contextType
		params := make([]reflect.Type, 0, mt.NumIn())
		start := 1
		if withCtx {
			start = 2
		}
		for j := start; j < mt.NumIn(); j++ {
			params = append(params, mt.In(j))
		}
		if mt.IsVariadic() {
			continue
		}

		ops = append(ops, Operation{
			Name:    OperationName(method.Name),
			Arity:   len(params),
			Handler: methodHandler(rcvr, method, withCtx, params),
		})
	}
	return ops, nil
}

func methodHandler(rcvr reflect.Value, method reflect.Method, withCtx bool, params []reflect.Type) HandlerFunc {
	return func(ctx context.Context, args []any) error {
		in := make([]reflect.Value, 0, len(params)+2)
		in = append(in, rcvr)
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, p := range params {
			v, err := bind(args[i], p)
			if err != nil {
				return errors.Wrapf(err, "%s argument %d", method.Name, i)
			}
			in = append(in, v)
		}
		results := method.Func.Call(in)
		if len(results) == 1 && !results[0].IsNil() {
			return results[0].Interface().(error)
		}
		return nil
	}
}

// bind adapts a decoded argument to the parameter type. Numeric kinds convert when the
// value survives the conversion, since codecs do not agree on integer widths.
func bind(arg any, param reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch param.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(param), nil
		}
		return reflect.Value{}, errors.Wrapf(ErrBadArgument, "nil for %s", param)
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(param) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(param.Kind()) {
		if c, ok := convertNumeric(v, param); ok {
			return c, nil
		}
		return reflect.Value{}, errors.Wrapf(ErrBadArgument, "%v does not fit %s", arg, param)
	}
	return reflect.Value{}, errors.Wrapf(ErrBadArgument, "cannot use %T as %s", arg, param)
}

// convertNumeric converts v to param, refusing truncation, wrap-around and sign flips.
// Float narrowing keeps the nearest value but must not overflow.
func convertNumeric(v reflect.Value, param reflect.Type) (reflect.Value, bool) {
	src, dst := v.Kind(), param.Kind()
	switch {
	case isFloat(src) && isFloat(dst):
		c := v.Convert(param)
		return c, math.IsInf(c.Float(), 0) == math.IsInf(v.Float(), 0)
	case isFloat(src):
		f := v.Float()
		if math.Trunc(f) != f || !inIntRange(f, param) {
			return reflect.Value{}, false
		}
	case isSigned(src) && isUnsigned(dst):
		if v.Int() < 0 {
			return reflect.Value{}, false
		}
	}

	c := v.Convert(param)
	if isUnsigned(src) && isSigned(dst) && c.Int() < 0 {
		return reflect.Value{}, false
	}
	if c.Convert(v.Type()).Interface() != v.Interface() {
		return reflect.Value{}, false
	}
	return c, true
}

func inIntRange(f float64, t reflect.Type) bool {
	bits := t.Bits()
	if isUnsigned(t.Kind()) {
		return f >= 0 && f < math.Ldexp(1, bits)
	}
	limit := math.Ldexp(1, bits-1)
	return f >= -limit && f < limit
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}

func isSigned(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUnsigned(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// OperationName maps a Go method name to its wire name: "Echo" → "echo".
func OperationName(method string) string {
	r, size := utf8.DecodeRuneInString(method)
	if r == utf8.RuneError {
		return method
	}
	return fmt.Sprintf("%c%s", unicode.ToLower(r), method[size:])
}
