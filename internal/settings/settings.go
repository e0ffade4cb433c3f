// Package settings manipulates the simulator's settings.json: writing
// commanded spawn poses so simulator spawns match the recording's first
// frame, and adjusting simulation clock speed. Both require a simulator
// restart to take effect.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pranikc/airsim-mac/pkg/core"
)

// DefaultPath is where the simulator reads its settings on this setup.
const DefaultPath = "/tmp/AirSim/settings.json"

// ErrNonPositiveClockSpeed rejects zero or negative clock speeds.
var ErrNonPositiveClockSpeed = errors.New("settings: clock speed must be positive")

// clockSpeedWarnAbove is the factor beyond which the simulator's physics
// becomes unstable.
const clockSpeedWarnAbove = 10.0

// Load reads the settings file, or returns a minimal skeleton when the
// file does not exist. Unknown fields are preserved as-is so operator
// customizations survive updates.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return minimal(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return settings, nil
}

// Save writes the settings file, creating parent directories as needed.
func Save(path string, settings map[string]any) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

func minimal() map[string]any {
	return map[string]any{
		"SettingsVersion": 1.2,
		"SimMode":         "Multirotor",
		"ClockSpeed":      20,
		"ViewMode":        "SpringArmChase",
		"Vehicles":        map[string]any{},
	}
}

// UpdateSpawns writes each agent's transformed first-frame pose into the
// Vehicles section so the simulator spawns vehicles where the recording
// starts. Existing vehicle entries for other names are kept.
func UpdateSpawns(path string, spawns map[string]core.Pose, logger *slog.Logger) error {
	settings, err := Load(path)
	if err != nil {
		return err
	}

	vehicles, ok := settings["Vehicles"].(map[string]any)
	if !ok {
		vehicles = map[string]any{}
		settings["Vehicles"] = vehicles
	}

	for agent, pose := range spawns {
		name := core.VehicleName(agent)
		vehicles[name] = map[string]any{
			"VehicleType": "SimpleFlight",
			"X":           pose.Position.X,
			"Y":           pose.Position.Y,
			"Z":           pose.Position.Z,
			"Yaw":         pose.YawDegrees(),
		}
		logger.Info("spawn pose written", "vehicle", name,
			"x", pose.Position.X, "y", pose.Position.Y, "z", pose.Position.Z)
		if pose.Position.Z >= 0 {
			logger.Warn("spawn Z is not negative; vehicle may spawn at or below ground",
				"vehicle", name, "z", pose.Position.Z)
		}
	}

	if err := Save(path, settings); err != nil {
		return err
	}
	logger.Info("settings updated, restart the simulator for spawns to take effect",
		"path", path, "vehicles", len(spawns))
	return nil
}

// SetClockSpeed updates the ClockSpeed field, warning above the stability
// limit.
func SetClockSpeed(path string, speed float64, logger *slog.Logger) error {
	if speed <= 0 {
		return ErrNonPositiveClockSpeed
	}

	settings, err := Load(path)
	if err != nil {
		return err
	}
	settings["ClockSpeed"] = speed

	if err := Save(path, settings); err != nil {
		return err
	}
	logger.Info("clock speed updated, restart the simulator to apply",
		"path", path, "speed", speed)
	if speed > clockSpeedWarnAbove {
		logger.Warn("clock speed above stability limit, physics may glitch",
			"speed", speed, "limit", clockSpeedWarnAbove)
	}
	return nil
}
