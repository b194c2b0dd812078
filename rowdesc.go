package dbc

import (
	"fmt"
	"strings"
	"time"
)

// describeRowValues formats the current row like ('value', 42, NULL, …) for
// error messages and logs. The output must never be used to build SQL; it is
// display only.
func describeRowValues(row Row) string {
	values, err := row.Values()
	if err != nil {
		return "(unavailable)"
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, v := range values {
		if i > 0 {
			sb.WriteString(", ")
		}
		appendRowValue(&sb, v)
	}
	sb.WriteByte(')')
	return sb.String()
}

func appendRowValue(sb *strings.Builder, v any) {
	switch v := v.(type) {
	case nil:
		sb.WriteString("NULL")
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		fmt.Fprintf(sb, "%v", v)
	case []byte:
		appendQuoted(sb, string(v))
	case time.Time:
		appendQuoted(sb, v.Format(time.RFC3339Nano))
	case string:
		appendQuoted(sb, v)
	default:
		appendQuoted(sb, fmt.Sprint(v))
	}
}

// appendQuoted writes s single-quoted, doubling embedded quotes and escaping
// the characters that are routinely significant in diagnostic greps.
func appendQuoted(sb *strings.Builder, s string) {
	sb.WriteByte('\'')
	for _, ch := range s {
		switch ch {
		case '\'':
			sb.WriteString("''")
			continue
		case '\\', '"', '%', '_':
			sb.WriteByte('\\')
		}
		sb.WriteRune(ch)
	}
	sb.WriteByte('\'')
}
