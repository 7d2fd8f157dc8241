package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		v, step, want float64
	}{
		{0.0199999, 0.001, 0.019},
		{0.02, 0.001, 0.02},
		{0.3, 0.1, 0.3},
		{12.7, 1, 12},
		{1.23456, 0, 1.23456},
		{0.0005, 0.001, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FloorToStep(tt.v, tt.step), "%v step %v", tt.v, tt.step)
	}
}

func TestRoundToStep(t *testing.T) {
	assert.Equal(t, 50000.1, RoundToStep(50000.06, 0.1))
	assert.Equal(t, 50000.0, RoundToStep(50000.04, 0.1))
	assert.Equal(t, 3.5, RoundToStep(3.5, 0))
}
