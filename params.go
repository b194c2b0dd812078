package dbc

import (
	"database/sql/driver"
	"encoding"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type identifies the SQL type of an explicit null parameter.
type Type int

const (
	TypeString Type = iota
	TypeBool
	TypeInt16
	TypeInt32
	TypeInt64
	TypeFloat64
	TypeDecimal
	TypeBytes
	TypeDate
	TypeTime
	TypeTimestamp
	TypeUUID
)

// Null is an explicit typed null parameter. It binds as a SQL null of the
// declared type rather than the driver's untyped fallback, which matters for
// statements whose parameter types cannot be inferred.
type Null struct {
	Type Type
}

func (n Null) driverValue() any {
	switch n.Type {
	case TypeBool:
		return (*bool)(nil)
	case TypeInt16:
		return (*int16)(nil)
	case TypeInt32:
		return (*int32)(nil)
	case TypeInt64:
		return (*int64)(nil)
	case TypeFloat64:
		return (*float64)(nil)
	case TypeDecimal:
		return (*decimal.Decimal)(nil)
	case TypeBytes:
		return (*[]byte)(nil)
	case TypeDate, TypeTime, TypeTimestamp:
		return (*time.Time)(nil)
	case TypeUUID:
		return (*uuid.UUID)(nil)
	default:
		return (*string)(nil)
	}
}

// Date is a calendar-date parameter with no time component. It binds in
// ISO 8601 text form, which every supported driver accepts for date columns.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf extracts the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// TimeOfDay is a wall-clock time parameter with no date component.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// bindParams maps caller arguments onto a statement's positional inputs,
// left to right, one-based. Every argument must resolve to exactly one
// binding rule; see bindValue.
func bindParams(args []any) ([]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	bound := make([]any, len(args))
	for i, arg := range args {
		v, err := bindValue(arg)
		if err != nil {
			var unsupported *UnsupportedParameterTypeError
			if errors.As(err, &unsupported) && unsupported.Position == 0 {
				unsupported.Position = i + 1
			}
			return nil, err
		}
		bound[i] = v
	}
	return bound, nil
}

// bindValue dispatches on the argument's kind. The recognized set is closed:
// concrete kinds first, then the interface conventions (opaque driver
// values, streaming payloads, text-reconstructable types), then a
// reflection pass that accepts named types whose underlying kind is a
// recognized primitive (the usual Go enum convention). First match wins.
func bindValue(arg any) (any, error) {
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case Null:
		return v.driverValue(), nil
	case bool, string, []byte, int64, float64, time.Time:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return v, nil
	case int32:
		return v, nil
	case uint:
		return uintToInt64(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt64(v)
	case float32:
		return float64(v), nil
	case Date:
		return v.String(), nil
	case TimeOfDay:
		return v.String(), nil
	case decimal.Decimal:
		return v, nil
	case *big.Int:
		return decimal.NewFromBigInt(v, 0), nil
	case uuid.UUID:
		return v, nil
	case []string:
		return v, nil
	case io.Reader:
		b, err := io.ReadAll(v)
		if err != nil {
			return nil, fmt.Errorf("dbc: reading streamed parameter: %w", err)
		}
		return b, nil
	case driver.Valuer:
		// Opaque user-defined value: the driver knows how to send it.
		return v, nil
	case encoding.TextMarshaler:
		text, err := v.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("dbc: marshaling text parameter: %w", err)
		}
		return string(text), nil
	}

	rv := reflect.ValueOf(arg)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return uintToInt64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return nil, &UnsupportedParameterTypeError{Value: arg}
}

// uintToInt64 widens to the numeric parameter type, spilling over to decimal
// when the value exceeds the signed range.
func uintToInt64(v uint64) (any, error) {
	if v > math.MaxInt64 {
		return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0), nil
	}
	return int64(v), nil
}
