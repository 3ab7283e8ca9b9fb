// Package worker builds the capability table a forked worker serves CALL requests from.
//
// The table maps an operation name to a handler with a fixed arity. It is built once,
// when the worker instance arrives in the handshake, and never changes afterwards.
// Names are unique: a second operation with the same name is rejected at build time,
// so a CALL never has to choose between overloads.
package worker

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateOperation = errors.New("worker: duplicate operation")
	ErrNoOperations       = errors.New("worker: no operations")
	ErrUnknownOperation   = errors.New("worker: unknown operation")
)

// HandlerFunc runs one operation with exactly Arity decoded arguments.
type HandlerFunc func(ctx context.Context, args []any) error

// Operation is one entry of the capability table.
type Operation struct {
	Name    string
	Arity   int
	Handler HandlerFunc
}

// Declarer is implemented by workers that list some operations explicitly. Declared
// operations are resolved first; the concrete type's exported methods fill in the rest.
type Declarer interface {
	Operations() []Operation
}

var declarerMethod = OperationName("Operations")

// Table is the immutable capability table of one worker instance.
type Table struct {
	worker any
	ops    map[string]Operation
}

// NewTable builds a table from an explicit operation list.
func NewTable(w any, ops []Operation) (*Table, error) {
	t := &Table{worker: w, ops: make(map[string]Operation, len(ops))}
	for _, op := range ops {
		if err := t.add(op); err != nil {
			return nil, err
		}
	}
	if len(t.ops) == 0 {
		return nil, errors.Wrapf(ErrNoOperations, "%T", w)
	}
	return t, nil
}

// Build returns the capability table of w: its declared operations if it implements
// Declarer, followed by its exported methods. A method whose name is already declared
// is shadowed by the declaration.
func Build(w any) (*Table, error) {
	if w == nil {
		return nil, errors.New("worker: nil worker")
	}
	scanned, err := scanMethods(w)
	if err != nil {
		return nil, err
	}
	d, ok := w.(Declarer)
	if !ok {
		return NewTable(w, scanned)
	}

	ops := d.Operations()
	declared := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		declared[op.Name] = struct{}{}
	}
	for _, op := range scanned {
		if _, ok := declared[op.Name]; ok || op.Name == declarerMethod {
			continue
		}
		ops = append(ops, op)
	}
	return NewTable(w, ops)
}

func (t *Table) add(op Operation) error {
	if op.Name == "" || op.Handler == nil || op.Arity < 0 {
		return errors.Errorf("worker: invalid operation %q", op.Name)
	}
	if _, ok := t.ops[op.Name]; ok {
		return errors.Wrap(ErrDuplicateOperation, op.Name)
	}
	t.ops[op.Name] = op
	return nil
}

// Lookup resolves an operation by name.
func (t *Table) Lookup(name string) (Operation, bool) {
	op, ok := t.ops[name]
	return op, ok
}

// Names lists the operations in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.ops))
	for name := range t.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Worker returns the instance the table was built from.
func (t *Table) Worker() any {
	return t.worker
}
