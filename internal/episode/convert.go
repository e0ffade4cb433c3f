// internal/episode/convert.go
package episode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// Waypoint-recording input shapes. The capture pipeline emitted two formats
// over its lifetime: a multi-agent one with named sections, and an older
// single-agent one with a bare position and a "t=<n>s" description string.

type waypointPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type waypointAgent struct {
	Position waypointPosition `json:"position"`
	Yaw      float64          `json:"yaw"`
}

type waypoint struct {
	T           float64           `json:"t"`
	Description string            `json:"description,omitempty"`
	Defender    *waypointAgent    `json:"defender,omitempty"`
	Attacker    *waypointAgent    `json:"attacker,omitempty"`
	Base        *waypointAgent    `json:"base,omitempty"`
	Position    *waypointPosition `json:"position,omitempty"`
	Yaw         float64           `json:"yaw,omitempty"`
}

type waypointFile struct {
	Description      string     `json:"description"`
	CoordinateSystem string     `json:"coordinate_system"`
	Units            string     `json:"units"`
	Waypoints        []waypoint `json:"waypoints"`
}

// ErrNoWaypoints is returned when the input file carries no waypoints.
var ErrNoWaypoints = errors.New("no waypoints found in input file")

var (
	episodeNumRe = regexp.MustCompile(`episode_(\d+)`)
	descTimeRe   = regexp.MustCompile(`t=([\d.]+)s`)
)

// Convert turns a waypoint recording into the multi-agent episode format:
// centimeter positions become meters, the outcome is inferred from the
// description, and old single-agent recordings are upgraded with a stationary
// distant attacker and an origin base so every episode has the same shape.
func Convert(inputPath, outputPath string) (*Episode, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("reading waypoint file: %w", err)
	}

	var wf waypointFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decoding waypoint file: %w", err)
	}
	if len(wf.Waypoints) == 0 {
		return nil, ErrNoWaypoints
	}

	fromCentimeters := wf.Units == "centimeters"
	convert := func(p waypointPosition) [3]float64 {
		if fromCentimeters {
			return [3]float64{p.X / 100, p.Y / 100, p.Z / 100}
		}
		return [3]float64{p.X, p.Y, p.Z}
	}

	outcome := inferOutcome(wf.Description)

	frames := make([]core.Frame, 0, len(wf.Waypoints))
	totalReward := 0.0
	for _, wp := range wf.Waypoints {
		var frame core.Frame
		if wp.Defender != nil && wp.Attacker != nil {
			defPos := convert(wp.Defender.Position)
			attPos := convert(wp.Attacker.Position)
			frame = core.Frame{
				T: wp.T,
				Agents: map[string]core.Pose{
					"defender": core.NewPose(defPos[0], defPos[1], defPos[2], wp.Defender.Yaw),
					"attacker": core.NewPose(attPos[0], attPos[1], attPos[2], wp.Attacker.Yaw),
				},
			}
			if wp.Base != nil {
				basePos := convert(wp.Base.Position)
				base := core.NewPose(basePos[0], basePos[1], basePos[2], 0)
				frame.Base = &base
			}
		} else if wp.Position != nil {
			pos := convert(*wp.Position)
			base := core.NewPose(0, 0, 0, 0)
			frame = core.Frame{
				T: timeFromDescription(wp.Description),
				Agents: map[string]core.Pose{
					"defender": core.NewPose(pos[0], pos[1], pos[2], wp.Yaw),
					"attacker": core.NewPose(-5, 5, 3, 0),
				},
				Base: &base,
			}
		} else {
			return nil, fmt.Errorf("waypoint at t=%.3f has neither multi-agent nor position data", wp.T)
		}

		frames = append(frames, frame)
		if outcome == "capture" {
			totalReward += 1.0
		}
	}

	tl, err := core.NewTimeline(frames)
	if err != nil {
		return nil, err
	}

	coordSystem := wf.CoordinateSystem
	if coordSystem == "" {
		coordSystem = "NED"
	}
	units := wf.Units
	if units == "" {
		units = "centimeters"
	}

	ep := &Episode{
		Metadata: Metadata{
			Episode:          episodeNumber(inputPath),
			TotalReward:      totalReward,
			Steps:            len(frames),
			Outcome:          outcome,
			CoordinateSystem: coordSystem,
			SourceUnits:      units,
			ConvertedUnits:   "meters",
		},
		Timeline: tl,
	}

	if outputPath != "" {
		if err := Save(outputPath, ep); err != nil {
			return nil, err
		}
	}
	return ep, nil
}

func inferOutcome(description string) string {
	desc := strings.ToLower(description)
	switch {
	case strings.Contains(desc, "capture"):
		return "capture"
	case strings.Contains(desc, "escape"):
		return "escape"
	case strings.Contains(desc, "timeout"):
		return "timeout"
	default:
		return "unknown"
	}
}

func episodeNumber(path string) int {
	m := episodeNumRe.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func timeFromDescription(description string) float64 {
	m := descTimeRe.FindStringSubmatch(description)
	if m == nil {
		return 0
	}
	t, _ := strconv.ParseFloat(m[1], 64)
	return t
}
