package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/pkg/core"
)

func TestTransform_Apply(t *testing.T) {
	tests := []struct {
		name string
		tr   Transform
		in   r3.Vec
		want r3.Vec
	}{
		{
			name: "identity",
			tr:   Identity,
			in:   r3.Vec{X: 1, Y: -2, Z: 3},
			want: r3.Vec{X: 1, Y: -2, Z: 3},
		},
		{
			name: "scale only",
			tr:   Transform{Scale: 2},
			in:   r3.Vec{X: 1, Y: 2, Z: -3},
			want: r3.Vec{X: 2, Y: 4, Z: -6},
		},
		{
			name: "invert vertical",
			tr:   Transform{Scale: 1, InvertVertical: true},
			in:   r3.Vec{X: 1, Y: 2, Z: 3},
			want: r3.Vec{X: 1, Y: 2, Z: -3},
		},
		{
			name: "offset applied after inversion",
			tr:   Transform{Scale: 2, InvertVertical: true, VerticalOffset: 1},
			in:   r3.Vec{X: 0, Y: 0, Z: 3},
			want: r3.Vec{X: 0, Y: 0, Z: -5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.tr.Apply(tt.in)
			assert.InDelta(t, tt.want.X, got.X, 1e-12)
			assert.InDelta(t, tt.want.Y, got.Y, 1e-12)
			assert.InDelta(t, tt.want.Z, got.Z, 1e-12)
		})
	}
}

func TestTransform_ApplyLinearInScale(t *testing.T) {
	p := r3.Vec{X: 1.5, Y: -2.5, Z: 4}
	a := Transform{Scale: 3}.Apply(p)
	b := r3.Scale(3, Transform{Scale: 1}.Apply(p))
	assert.Equal(t, b, a)
}

func TestTransform_IdentityIdempotent(t *testing.T) {
	p := r3.Vec{X: 0.245, Y: -0.883, Z: 2}
	once := Identity.Apply(p)
	twice := Identity.Apply(once)
	assert.Equal(t, once, twice)
}

func TestTransform_Validate(t *testing.T) {
	assert.NoError(t, Transform{Scale: 0.1}.Validate())
	assert.ErrorIs(t, Transform{Scale: 0}.Validate(), ErrNonPositiveScale)
	assert.ErrorIs(t, Transform{Scale: -1}.Validate(), ErrNonPositiveScale)
}

func timelineWithZ(t *testing.T, zs ...float64) *core.Timeline {
	t.Helper()
	frames := make([]core.Frame, len(zs))
	for i, z := range zs {
		frames[i] = core.Frame{
			T: float64(i),
			Agents: map[string]core.Pose{
				"defender": core.NewPose(0, 0, z, 0),
				"attacker": core.NewPose(0, 0, z, 0),
			},
		}
	}
	tl, err := core.NewTimeline(frames)
	require.NoError(t, err)
	return tl
}

func TestDetectVerticalInversion(t *testing.T) {
	tests := []struct {
		name       string
		zs         []float64
		wantInvert bool
	}{
		{
			name:       "clearly z-up recording",
			zs:         []float64{2, 2.5, 3, 3.5},
			wantInvert: true,
		},
		{
			name:       "NED recording with negative altitude",
			zs:         []float64{-2, -2.5, -3},
			wantInvert: false,
		},
		{
			name:       "mean exactly at threshold stays NED",
			zs:         []float64{1, 1, 1},
			wantInvert: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := timelineWithZ(t, tt.zs...)
			det := DetectVerticalInversion(tl, []string{"defender", "attacker"}, 1.0)
			assert.Equal(t, tt.wantInvert, det.Invert)
			assert.NotZero(t, det.Samples)
		})
	}
}

func TestDetectVerticalInversion_UnknownAgents(t *testing.T) {
	tl := timelineWithZ(t, 5, 5)
	det := DetectVerticalInversion(tl, []string{"nobody"}, 1.0)
	assert.False(t, det.Invert)
	assert.Zero(t, det.Samples)
}
