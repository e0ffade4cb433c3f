// Package episode loads recorded multi-agent episodes from their JSON
// interchange format and converts raw waypoint recordings into it.
package episode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// Metadata describes one recorded episode.
type Metadata struct {
	Episode          int     `json:"episode"`
	TotalReward      float64 `json:"total_reward"`
	Steps            int     `json:"steps,omitempty"`
	Outcome          string  `json:"outcome"`
	CoordinateSystem string  `json:"coordinate_system"`
	SourceUnits      string  `json:"source_units,omitempty"`
	ConvertedUnits   string  `json:"converted_units"`
}

// Episode is a loaded recording: metadata plus the frame timeline.
type Episode struct {
	Metadata Metadata
	Timeline *core.Timeline
}

// agentRecord is the per-agent JSON shape inside a frame. Velocity is carried
// by some recordings but unused during playback.
type agentRecord struct {
	Pos []float64 `json:"pos"`
	Vel []float64 `json:"vel,omitempty"`
	RPY []float64 `json:"rpy,omitempty"`
}

type rawEpisode struct {
	Metadata *Metadata         `json:"metadata"`
	Frames   []json.RawMessage `json:"frames"`
}

var (
	// ErrMissingSection is returned when the file lacks metadata or frames.
	ErrMissingSection = errors.New("invalid episode format: missing 'metadata' or 'frames'")

	// ErrBadPosition is returned when an agent's pos array is not 3 numbers.
	ErrBadPosition = errors.New("agent position must have exactly 3 components")
)

// Load reads and validates an episode JSON file.
func Load(path string) (*Episode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading episode file: %w", err)
	}
	return Parse(data)
}

// Parse decodes episode JSON. Frame keys other than "t" and "base" are agent
// identifiers, so recordings are not limited to the defender/attacker pair
// the original capture pipeline produced.
func Parse(data []byte) (*Episode, error) {
	var raw rawEpisode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding episode: %w", err)
	}
	if raw.Metadata == nil || raw.Frames == nil {
		return nil, ErrMissingSection
	}

	frames := make([]core.Frame, 0, len(raw.Frames))
	for i, rawFrame := range raw.Frames {
		frame, err := parseFrame(rawFrame)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, frame)
	}

	tl, err := core.NewTimeline(frames)
	if err != nil {
		return nil, err
	}
	return &Episode{Metadata: *raw.Metadata, Timeline: tl}, nil
}

func parseFrame(data json.RawMessage) (core.Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return core.Frame{}, err
	}

	frame := core.Frame{Agents: make(map[string]core.Pose)}

	for key, val := range fields {
		switch key {
		case "t":
			if err := json.Unmarshal(val, &frame.T); err != nil {
				return core.Frame{}, fmt.Errorf("timestamp: %w", err)
			}
		case "base":
			pose, err := parseAgent(val)
			if err != nil {
				return core.Frame{}, fmt.Errorf("base: %w", err)
			}
			frame.Base = &pose
		default:
			pose, err := parseAgent(val)
			if err != nil {
				return core.Frame{}, fmt.Errorf("agent %q: %w", key, err)
			}
			frame.Agents[key] = pose
		}
	}
	return frame, nil
}

func parseAgent(data json.RawMessage) (core.Pose, error) {
	var rec agentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return core.Pose{}, err
	}
	if len(rec.Pos) != 3 {
		return core.Pose{}, fmt.Errorf("%w: got %d", ErrBadPosition, len(rec.Pos))
	}
	var yaw float64
	if len(rec.RPY) == 3 {
		yaw = rec.RPY[2]
	}
	return core.NewPose(rec.Pos[0], rec.Pos[1], rec.Pos[2], yaw), nil
}

// Save writes an episode back out in the interchange format. Used by the
// waypoint converter.
func Save(path string, ep *Episode) error {
	out := map[string]any{
		"metadata": ep.Metadata,
		"frames":   framesToJSON(ep.Timeline),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding episode: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing episode file: %w", err)
	}
	return nil
}

func framesToJSON(tl *core.Timeline) []map[string]any {
	frames := make([]map[string]any, 0, tl.Len())
	for i := 0; i < tl.Len(); i++ {
		frame := tl.Frame(i)
		obj := map[string]any{"t": frame.T}
		for name, pose := range frame.Agents {
			obj[name] = agentRecord{
				Pos: []float64{pose.Position.X, pose.Position.Y, pose.Position.Z},
				Vel: []float64{0, 0, 0},
				RPY: []float64{0, 0, pose.Yaw},
			}
		}
		if frame.Base != nil {
			obj["base"] = agentRecord{
				Pos: []float64{frame.Base.Position.X, frame.Base.Position.Y, frame.Base.Position.Z},
			}
		}
		frames = append(frames, obj)
	}
	return frames
}
