package dbc

import (
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ObjectFactory converts the current result row into a value. Factories are
// used once per executed statement, or once per row for collection queries;
// they are never retained across statements.
type ObjectFactory[T any] interface {
	CreateObject(row Row) (T, error)

	// IsNullable reports whether the factory may legitimately produce an
	// absent value. Non-nullable factories can be composed with NotNull
	// without adding a runtime guard.
	IsNullable() bool
}

// ObjectFactoryFunc adapts a plain function to an ObjectFactory. Function
// factories are treated as nullable.
type ObjectFactoryFunc[T any] func(Row) (T, error)

func (f ObjectFactoryFunc[T]) CreateObject(row Row) (T, error) { return f(row) }

func (ObjectFactoryFunc[T]) IsNullable() bool { return true }

// ScanFactory returns a factory scanning the first column into a *T, with
// SQL NULL decoded as nil.
func ScanFactory[T any]() ObjectFactory[*T] {
	return scanFactory[T]{}
}

type scanFactory[T any] struct{}

func (scanFactory[T]) CreateObject(row Row) (*T, error) {
	var v *T
	if err := row.Scan(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func (scanFactory[T]) IsNullable() bool { return true }

// Stock single-column factories.
var (
	Int16Factory   = ScanFactory[int16]()
	Int32Factory   = ScanFactory[int32]()
	Int64Factory   = ScanFactory[int64]()
	Float64Factory = ScanFactory[float64]()
	BoolFactory    = ScanFactory[bool]()
	StringFactory  = ScanFactory[string]()
	BytesFactory   = ScanFactory[[]byte]()
	TimeFactory    = ScanFactory[time.Time]()
	DecimalFactory = ScanFactory[decimal.Decimal]()
	UUIDFactory    = ScanFactory[uuid.UUID]()
)

// Assertions enables additional runtime verification of factory nullability
// contracts: when set, NotNull wraps even factories that declare themselves
// non-nullable. Intended for testing builds; not safe to flip while queries
// are running.
var Assertions = false

// NotNull composes a factory with a guard that fails with NullDataError if
// the produced value is absent. Factories that declare themselves
// non-nullable are trusted and returned unwrapped unless Assertions is set.
// Wrapping is idempotent.
func NotNull[T any](f ObjectFactory[T]) ObjectFactory[T] {
	if _, ok := f.(notNullFactory[T]); ok {
		return f
	}
	if !f.IsNullable() && !Assertions {
		return f
	}
	return notNullFactory[T]{f: f}
}

type notNullFactory[T any] struct {
	f ObjectFactory[T]
}

func (w notNullFactory[T]) CreateObject(row Row) (T, error) {
	v, err := w.f.CreateObject(row)
	if err != nil {
		return v, err
	}
	if isAbsent(v) {
		var zero T
		return zero, &NullDataError{Row: describeRowValues(row)}
	}
	return v, nil
}

func (notNullFactory[T]) IsNullable() bool { return false }

// isAbsent reports whether v is a nil value of a nilable kind.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}
