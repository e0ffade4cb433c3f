// Package geo converts geographic recordings into the local planar frame
// the playback engine works in, and encodes flown trails for storage.
//
// Recordings made in EPSG:4326 (lon/lat/elev) are projected to EPSG:3857
// and re-centered on the first reference-point position, yielding meters
// relative to the recording origin. Trails are stored as WKB, a binary
// geometry representation that survives string round-trips through SQLite.
package geo

import (
	"errors"
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// ErrNoOrigin is returned when a geographic timeline has no position to
// center on.
var ErrNoOrigin = errors.New("geo: no origin position in first frame")

// CoordinateSystemGeographic is the metadata value marking lon/lat/elev
// recordings.
const CoordinateSystemGeographic = "geographic"

// Localize projects a geographic timeline to local planar meters. The
// origin is the first frame's base position, falling back to the first
// agent (alphabetical) when the recording has no base track. Elevation is
// carried through unchanged.
func Localize(tl *core.Timeline) (*core.Timeline, error) {
	origin, err := originOf(tl)
	if err != nil {
		return nil, err
	}

	project := wgs84.EPSG().Transform(4326, 3857)
	ox, oy, _ := project(origin.X, origin.Y, 0)

	toLocal := func(p core.Pose) core.Pose {
		x, y, _ := project(p.Position.X, p.Position.Y, 0)
		return core.Pose{
			Position: r3.Vec{X: x - ox, Y: y - oy, Z: p.Position.Z},
			Yaw:      p.Yaw,
		}
	}

	frames := make([]core.Frame, tl.Len())
	for i := 0; i < tl.Len(); i++ {
		src := tl.Frame(i)
		dst := core.Frame{T: src.T, Agents: make(map[string]core.Pose, len(src.Agents))}
		for agent, pose := range src.Agents {
			dst.Agents[agent] = toLocal(pose)
		}
		if src.Base != nil {
			b := toLocal(*src.Base)
			dst.Base = &b
		}
		frames[i] = dst
	}
	return core.NewTimeline(frames)
}

func originOf(tl *core.Timeline) (r3.Vec, error) {
	first := tl.Frame(0)
	if first.Base != nil {
		return first.Base.Position, nil
	}
	for _, agent := range tl.Agents() {
		if pose, ok := first.Agents[agent]; ok {
			return pose.Position, nil
		}
	}
	return r3.Vec{}, ErrNoOrigin
}

// TrailWKB encodes a flown trail as a 3D LineString in WKB. Trails shorter
// than two points encode as an empty LineString.
func TrailWKB(trail []core.Pose) []byte {
	if len(trail) < 2 {
		return geom.LineString{}.AsBinary()
	}
	flat := make([]float64, 0, len(trail)*3)
	for _, p := range trail {
		flat = append(flat, p.Position.X, p.Position.Y, p.Position.Z)
	}
	seq := geom.NewSequence(flat, geom.DimXYZ)
	return geom.NewLineString(seq).AsBinary()
}

// TrailFromWKB decodes a WKB trail back into positions.
func TrailFromWKB(wkb []byte) ([]r3.Vec, error) {
	g, err := geom.UnmarshalWKB(wkb)
	if err != nil {
		return nil, fmt.Errorf("decoding trail: %w", err)
	}
	ls, ok := g.AsLineString()
	if !ok {
		return nil, fmt.Errorf("trail is %s, want LineString", g.Type())
	}
	seq := ls.Coordinates()
	out := make([]r3.Vec, 0, seq.Length())
	for i := 0; i < seq.Length(); i++ {
		c := seq.Get(i)
		out = append(out, r3.Vec{X: c.X, Y: c.Y, Z: c.Z})
	}
	return out, nil
}
