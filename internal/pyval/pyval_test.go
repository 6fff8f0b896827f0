package pyval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want any
	}{
		{"int", "2", int64(2)},
		{"negative int", "-17", int64(-17)},
		{"float", "1.5", 1.5},
		{"string", "'xxx'", "xxx"},
		{"double quoted", `"hello"`, "hello"},
		{"escaped quote", `'it\'s'`, "it's"},
		{"none", "None", nil},
		{"true", "True", true},
		{"false", "False", false},
		{"bytes", `b'\x00\xffab'`, []byte{0x00, 0xff, 'a', 'b'}},
		{"bytearray", `bytearray(b'id')`, []byte("id")},
		{"empty bytearray", `bytearray()`, []byte{}},
		{"tuple", "(32768, 'boot.py')", []any{int64(32768), "boot.py"}},
		{"list", "[1, 2, 3]", []any{int64(1), int64(2), int64(3)}},
		{"dict", "{'size': 128}", map[any]any{"size": int64(128)}},
		{"nested", "('E', [b'a', None])", []any{"E", []any{[]byte("a"), nil}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatResult(t *testing.T) {
	// os.stat() reply as MicroPython formats it.
	got, err := Parse("(32768, 0, 0, 0, 0, 0, 4096, 698410793, 698410793, 698410793)")
	require.NoError(t, err)

	fields, ok := got.([]any)
	require.True(t, ok)
	require.Len(t, fields, 10)
	assert.Equal(t, int64(32768), fields[0])
	assert.Equal(t, int64(4096), fields[6])
}

func TestParseRejectsJunk(t *testing.T) {
	for _, expr := range []string{"", "Traceback (most recent", "os.listdir()", "1 +"} {
		_, err := Parse(expr)
		assert.Error(t, err, "expr %q", expr)
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		int64(-42),
		3.25,
		"plain",
		"tricky \"quotes\" and\nnewlines\x00",
		[]byte{0x00, 0x01, 0xfe, 0xff},
		[]any{int64(1), "two", []byte("three")},
	}

	for _, v := range values {
		q, err := Quote(v)
		require.NoError(t, err)

		back, err := Parse(q)
		require.NoError(t, err, "quoted form %s", q)
		assert.Equal(t, v, back)
	}
}

func TestQuoteMap(t *testing.T) {
	q, err := Quote(map[string]any{"path": "/flash/main.py"})
	require.NoError(t, err)
	assert.Equal(t, `{"path": "/flash/main.py"}`, q)

	back, err := Parse(q)
	require.NoError(t, err)
	assert.Equal(t, map[any]any{"path": "/flash/main.py"}, back)
}

func TestQuoteStringIsPythonCompatible(t *testing.T) {
	assert.Equal(t, `"boot.py"`, QuoteString("boot.py"))
	assert.Equal(t, `b"\x00\x01"`, QuoteBytes([]byte{0, 1}))
}
