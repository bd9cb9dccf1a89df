package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"int", IRInt(-42), `-42`},
		{"bool", IRBool(true), `true`},
		{"null", IRNull{}, `null`},
		{"nil", nil, `null`},
		{"empty array", IRArray{}, `[]`},
		{"empty object", IRObject{}, `{}`},
		{"array with nil", []IRValue{IRInt(1), nil}, `[1,null]`},
		{"go string slice", []string{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{
		"b": IRInt(1),
		"a": IRObject{"z": IRBool(false), "y": IRNull{}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":false},"b":1}`, string(got))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(IRString("<a href='x'>&</a>"))
	require.NoError(t, err)
	assert.Equal(t, `"<a href='x'>&</a>"`, string(got))
}

func TestMarshalCanonicalRejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = MarshalCanonical([]any{1, 2.0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array[1]")
}

func TestMarshalCanonicalRejectsUnknownTypes(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent normalises to the precomposed form.
	decomposed, err := MarshalCanonical(IRString("cafe\u0301"))
	require.NoError(t, err)
	composed, err := MarshalCanonical(IRString("caf\u00e9"))
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalCanonicalStringEscaping(t *testing.T) {
	got, err := MarshalCanonical(IRString("a\"b\\c\nd"))
	require.NoError(t, err)
	assert.Equal(t, `"a\"b\\c\nd"`, string(got))
}

func TestMarshalCanonicalU2028U2029NotEscaped(t *testing.T) {
	got, err := MarshalCanonical(IRString("x\u2028y\u2029z"))
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\u2029z\"", string(got))
}

func TestMarshalCanonicalLiteralBackslashU2028(t *testing.T) {
	// The six characters \u2028 typed literally must stay escaped text.
	got, err := MarshalCanonical(IRString(`\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(got))
}

func TestMarshalCanonicalIdempotency(t *testing.T) {
	v := IRObject{"k": IRArray{IRInt(1), IRString("s"), IRObject{"n": IRNull{}}}}
	first, err := MarshalCanonical(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
