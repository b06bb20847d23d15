package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
	}{
		{"42", 42},
		{"92150.5", 92150.5},
		{"12,345", 12345},
		{"12,345.67", 12345.67},
		{"1.2M", 1.2e6},
		{"1.2m", 1.2e6},
		{"3K", 3000},
		{"2.5B", 2.5e9},
		{"1.1T", 1.1e12},
		{"$92,150", 92150},
		{"$-120.5B", -120.5e9},
		{"-$120.5B", -120.5e9},
		{"+1.2M", 1.2e6},
		{"-42", -42},
		{"93 421", 93421},
		{"55%", 55},
		{"  7  ", 7},
		{"0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseNumber(tt.raw)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestParseNumber_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "n/a", "-", "$", "12..3", "1.2X"} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseNumber(raw)
			assert.Error(t, err)
		})
	}
}
