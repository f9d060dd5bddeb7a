package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshal(t *testing.T) {
	tcs := []struct {
		input       string
		expected    time.Duration
		expectedErr bool
	}{
		{input: "10s", expected: 10 * time.Second},
		{input: "1m30s", expected: 90 * time.Second},
		{input: "300ms", expected: 300 * time.Millisecond},
		{input: "ten seconds", expectedErr: true},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tc.input))
			if tc.expectedErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, d.Duration)
		})
	}
}

func TestDurationJSONSchema(t *testing.T) {
	schema := NewDuration(time.Second).JSONSchema()
	require.Equal(t, "string", schema.Type)
	require.Equal(t, "Duration", schema.Title)
}
