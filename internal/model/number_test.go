package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumber_Scan(t *testing.T) {
	tests := []struct {
		name    string
		src     any
		value   float64
		valid   bool
		percent bool
	}{
		{"nil", nil, 0, false, false},
		{"int", int64(42), 42, true, false},
		{"float", 0.85, 0.85, true, false},
		{"text", "0.85", 0.85, true, false},
		{"percent text", "85%", 85, true, true},
		{"percent with space", " 12.5 % ", 12.5, true, true},
		{"currency", "$1,250.00", 1250, true, false},
		{"bytes", []byte("250.50"), 250.5, true, false},
		{"empty text", "  ", 0, false, false},
		{"bool", true, 1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var n Number
			require.NoError(t, n.Scan(tt.src))
			assert.InDelta(t, tt.value, n.Value, 1e-9)
			assert.Equal(t, tt.valid, n.Valid)
			assert.Equal(t, tt.percent, n.Percent)
		})
	}
}

func TestNumber_ScanInvalidText(t *testing.T) {
	var n Number
	err := n.Scan("n/a")
	require.Error(t, err)
	assert.False(t, n.Valid)
}

func TestNumber_ScanUnsupportedType(t *testing.T) {
	var n Number
	err := n.Scan(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot scan")
}

func TestNumber_Accessors(t *testing.T) {
	assert.Equal(t, 0.0, Number{}.Float())
	assert.Equal(t, 3.7, Number{Value: 3.7, Valid: true}.Float())
}
