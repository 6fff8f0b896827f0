// Package pyval converts between Python literal notation and Go values.
//
// Management replies arrive from the device as repr() output: tuples,
// dicts, byte strings, None. Starlark's expression grammar is close
// enough to Python's literal subset to evaluate these directly, which
// beats hand-rolling a parser for every quoting corner case. The same
// grammar drives the reverse direction when scripts embed Go values.
package pyval

import (
	"fmt"
	"math"
	"strconv"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

var fileOptions = &syntax.FileOptions{
	Set: true,
}

// predeclared supplies the names Python reprs can mention beyond plain
// literals. bytearray shows up in machine.unique_id output on some ports,
// inf and nan in float reprs.
var predeclared = starlark.StringDict{
	"bytearray": starlark.NewBuiltin("bytearray", bytearrayBuiltin),
	"inf":       starlark.Float(math.Inf(1)),
	"nan":       starlark.Float(math.NaN()),
}

func bytearrayBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var src starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &src); err != nil {
		return nil, err
	}
	switch src := src.(type) {
	case nil:
		return starlark.Bytes(""), nil
	case starlark.Bytes:
		return src, nil
	case starlark.String:
		return starlark.Bytes(src), nil
	default:
		return nil, fmt.Errorf("bytearray: unsupported argument of type %s", src.Type())
	}
}

// Parse evaluates a Python literal expression and returns its Go value.
//
// Mapping: None -> nil, bool -> bool, int -> int64, float -> float64,
// str -> string, bytes/bytearray -> []byte, tuple/list -> []any,
// dict -> map[any]any.
func Parse(expr string) (any, error) {
	thread := &starlark.Thread{Name: "pyval"}
	v, err := starlark.EvalOptions(fileOptions, thread, "<device>", expr, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to parse value %q: %w", truncate(expr, 100), err)
	}
	return fromStarlark(v)
}

func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		i, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("integer out of range: %s", v)
		}
		return i, nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return []byte(v), nil
	case starlark.Tuple:
		return sequenceToGo(v)
	case *starlark.List:
		elems := make([]starlark.Value, v.Len())
		for i := range elems {
			elems[i] = v.Index(i)
		}
		return sequenceToGo(elems)
	case *starlark.Dict:
		out := make(map[any]any, v.Len())
		for _, item := range v.Items() {
			key, err := fromStarlark(item[0])
			if err != nil {
				return nil, err
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}

func sequenceToGo(elems []starlark.Value) (any, error) {
	out := make([]any, len(elems))
	for i, e := range elems {
		v, err := fromStarlark(e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// IsExpression reports whether src parses as a single expression in
// the literal grammar. Statements and syntax beyond the grammar's
// reach report false.
func IsExpression(src string) bool {
	_, err := fileOptions.ParseExpr("<entry>", src, 0)
	return err == nil
}

// QuoteString renders s as a Python string literal.
func QuoteString(s string) string {
	return starlark.String(s).String()
}

// QuoteBytes renders b as a Python bytes literal.
func QuoteBytes(b []byte) string {
	return starlark.Bytes(b).String()
}

// Quote renders a Go value as a Python literal expression, the inverse of
// Parse for the supported kinds.
func Quote(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "None", nil
	case bool:
		if v {
			return "True", nil
		}
		return "False", nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return QuoteString(v), nil
	case []byte:
		return QuoteBytes(v), nil
	case []any:
		out := "["
		for i, e := range v {
			q, err := Quote(e)
			if err != nil {
				return "", err
			}
			if i > 0 {
				out += ", "
			}
			out += q
		}
		return out + "]", nil
	case map[string]any:
		out := "{"
		first := true
		for key, val := range v {
			q, err := Quote(val)
			if err != nil {
				return "", err
			}
			if !first {
				out += ", "
			}
			out += QuoteString(key) + ": " + q
			first = false
		}
		return out + "}", nil
	default:
		return "", fmt.Errorf("cannot quote value of type %T", v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
