package sparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeBasics(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"simple", "Hello World", []string{"hello", "world"}},
		{"apostrophe and digits", "Wikipedia's café 42", []string{"wikipedia", "s", "café", "42"}},
		{"punctuation dropped", "... --- !!!", nil},
		{"order preserved no dedup", "the cat the cat", []string{"the", "cat", "the", "cat"}},
		{"unicode words", "Café résumé naïve", []string{"café", "résumé", "naïve"}},
		{"mixed case", "BM25 Index", []string{"bm25", "index"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Tokenize(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTokenizeDeterministic(t *testing.T) {
	in := "Anarchism is a political philosophy and movement (from 1840s France)."
	a, err := Tokenize(in)
	require.NoError(t, err)
	b, err := Tokenize(in)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestTokenizeCaseInsensitiveASCII(t *testing.T) {
	in := "The Quick BROWN Fox 99"
	upper, err := Tokenize(in)
	require.NoError(t, err)
	lower, err := Tokenize(strings.ToLower(in))
	require.NoError(t, err)
	require.Equal(t, lower, upper)
}

func TestTokenizeQueryMatchesIndexForm(t *testing.T) {
	indexed, err := Tokenize("A café in Paris")
	require.NoError(t, err)
	queried, err := Tokenize("Café")
	require.NoError(t, err)
	require.Contains(t, indexed, queried[0])
}

func TestTokenizeInvalidUTF8(t *testing.T) {
	_, err := Tokenize(string([]byte{0x66, 0xff, 0xfe, 0x67}))
	require.ErrorIs(t, err, ErrInvalidUTF8)
}
