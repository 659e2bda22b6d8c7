package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBase64(t *testing.T) {
	testCases := []struct {
		in       string
		expected string
		err      bool
	}{
		{in: "aGVsbG8=", expected: "hello"},
		{in: "aGVsbG8", expected: "hello"},
		{in: "aGk=", expected: "hi"},
		{in: "aGk", expected: "hi"},
		{in: "YWJj", expected: "abc"},
		{in: "", expected: ""},
		{in: "a", err: true},
		{in: "aGk==", err: true},
		{in: "a-_b", err: true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			out, err := DecodeBase64(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, string(out))
		})
	}
}
