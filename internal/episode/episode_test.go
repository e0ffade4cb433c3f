package episode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranikc/airsim-mac/pkg/core"
)

const sampleEpisode = `{
  "metadata": {
    "episode": 12,
    "total_reward": 3.5,
    "outcome": "capture",
    "coordinate_system": "NED",
    "converted_units": "meters"
  },
  "frames": [
    {
      "t": 0.0,
      "defender": {"pos": [0.0, 0.0, -2.0], "vel": [0,0,0], "rpy": [0, 0, 1.57]},
      "attacker": {"pos": [5.0, 5.0, -2.0], "rpy": [0, 0, 0]},
      "base": {"pos": [1.0, 1.0, 0.0]}
    },
    {
      "t": 0.5,
      "defender": {"pos": [0.5, 0.0, -2.0]},
      "attacker": {"pos": [4.5, 5.0, -2.0]},
      "base": {"pos": [1.0, 1.0, 0.0]}
    }
  ]
}`

func TestParse(t *testing.T) {
	ep, err := Parse([]byte(sampleEpisode))
	require.NoError(t, err)

	assert.Equal(t, 12, ep.Metadata.Episode)
	assert.Equal(t, "capture", ep.Metadata.Outcome)
	assert.Equal(t, "NED", ep.Metadata.CoordinateSystem)
	require.Equal(t, 2, ep.Timeline.Len())

	frame0 := ep.Timeline.Frame(0)
	assert.Equal(t, []string{"attacker", "defender"}, ep.Timeline.Agents())
	def := frame0.Agents["defender"]
	assert.Equal(t, 0.0, def.Position.X)
	assert.Equal(t, -2.0, def.Position.Z)
	assert.InDelta(t, 1.57, def.Yaw, 1e-9)
	require.NotNil(t, frame0.Base)
	assert.Equal(t, 1.0, frame0.Base.Position.X)
}

func TestParse_MissingSections(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "no metadata", data: `{"frames": []}`},
		{name: "no frames", data: `{"metadata": {"episode": 1}}`},
		{name: "empty object", data: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParse_BadPosition(t *testing.T) {
	data := `{
	  "metadata": {"episode": 1, "outcome": "unknown", "coordinate_system": "NED", "converted_units": "meters"},
	  "frames": [{"t": 0, "defender": {"pos": [1.0, 2.0]}}]
	}`
	_, err := Parse([]byte(data))
	assert.ErrorIs(t, err, ErrBadPosition)
}

func TestParse_NonMonotonicTimestamps(t *testing.T) {
	data := `{
	  "metadata": {"episode": 1, "outcome": "unknown", "coordinate_system": "NED", "converted_units": "meters"},
	  "frames": [
	    {"t": 1.0, "defender": {"pos": [0,0,0]}},
	    {"t": 0.5, "defender": {"pos": [0,0,0]}}
	  ]
	}`
	_, err := Parse([]byte(data))
	assert.ErrorIs(t, err, core.ErrNonMonotonicTime)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ep, err := Parse([]byte(sampleEpisode))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "episode_0012.json")
	require.NoError(t, Save(path, ep))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ep.Metadata, loaded.Metadata)
	require.Equal(t, ep.Timeline.Len(), loaded.Timeline.Len())
	for i := 0; i < ep.Timeline.Len(); i++ {
		a, b := ep.Timeline.Frame(i), loaded.Timeline.Frame(i)
		assert.Equal(t, a.T, b.T)
		assert.Equal(t, a.Agents, b.Agents)
	}
}

func TestConvert_MultiAgentCentimeters(t *testing.T) {
	input := `{
	  "description": "defender capture run",
	  "coordinate_system": "NED",
	  "units": "centimeters",
	  "waypoints": [
	    {
	      "t": 0.0,
	      "defender": {"position": {"x": 100, "y": 0, "z": -200}, "yaw": 0.5},
	      "attacker": {"position": {"x": 500, "y": 500, "z": -200}},
	      "base": {"position": {"x": 0, "y": 0, "z": 0}}
	    },
	    {
	      "t": 1.0,
	      "defender": {"position": {"x": 200, "y": 0, "z": -200}},
	      "attacker": {"position": {"x": 400, "y": 500, "z": -200}},
	      "base": {"position": {"x": 0, "y": 0, "z": 0}}
	    }
	  ]
	}`
	dir := t.TempDir()
	in := filepath.Join(dir, "episode_0010_airsim.json")
	out := filepath.Join(dir, "episode_0010.json")
	require.NoError(t, os.WriteFile(in, []byte(input), 0644))

	ep, err := Convert(in, out)
	require.NoError(t, err)

	assert.Equal(t, 10, ep.Metadata.Episode)
	assert.Equal(t, "capture", ep.Metadata.Outcome)
	assert.Equal(t, "meters", ep.Metadata.ConvertedUnits)
	assert.Equal(t, "centimeters", ep.Metadata.SourceUnits)
	assert.Equal(t, 2.0, ep.Metadata.TotalReward)

	def := ep.Timeline.Frame(0).Agents["defender"]
	assert.InDelta(t, 1.0, def.Position.X, 1e-9)
	assert.InDelta(t, -2.0, def.Position.Z, 1e-9)
	assert.InDelta(t, 0.5, def.Yaw, 1e-9)

	// The converted file is itself loadable.
	_, err = Load(out)
	assert.NoError(t, err)
}

func TestConvert_SingleAgentUpgrade(t *testing.T) {
	input := `{
	  "description": "timeout episode",
	  "units": "meters",
	  "waypoints": [
	    {"position": {"x": 1, "y": 2, "z": -3}, "yaw": 0.1, "description": "wp t=0.0s"},
	    {"position": {"x": 2, "y": 2, "z": -3}, "description": "wp t=0.5s"}
	  ]
	}`
	in := filepath.Join(t.TempDir(), "single.json")
	require.NoError(t, os.WriteFile(in, []byte(input), 0644))

	ep, err := Convert(in, "")
	require.NoError(t, err)

	assert.Equal(t, "timeout", ep.Metadata.Outcome)
	frame := ep.Timeline.Frame(0)
	assert.Contains(t, frame.Agents, "attacker")
	assert.Equal(t, -5.0, frame.Agents["attacker"].Position.X)
	require.NotNil(t, frame.Base)
	assert.Equal(t, 0.0, frame.Base.Position.X)
	assert.Equal(t, 0.5, ep.Timeline.Frame(1).T)
}

func TestConvert_NoWaypoints(t *testing.T) {
	in := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(in, []byte(`{"waypoints": []}`), 0644))
	_, err := Convert(in, "")
	assert.ErrorIs(t, err, ErrNoWaypoints)
}
