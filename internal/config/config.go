package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/pranikc/airsim-mac/internal/otel"
	"github.com/pranikc/airsim-mac/internal/overlay"
	"github.com/pranikc/airsim-mac/internal/path"
	"github.com/pranikc/airsim-mac/internal/playback"
	"github.com/pranikc/airsim-mac/internal/transform"
)

// Load reads configuration from a JSON file and sets default values.
// configDir is the directory containing the config file. A missing file is
// not an error; defaults apply.
func Load(configDir string) error {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("sim.host", "127.0.0.1")
	viper.SetDefault("sim.port", "41451")
	viper.SetDefault("sim.settingsPath", "/tmp/AirSim/settings.json")

	viper.SetDefault("playback.scale", 1.0)
	viper.SetDefault("playback.invertVertical", false)
	viper.SetDefault("playback.verticalOffset", 0.0)
	viper.SetDefault("playback.playbackSpeed", 1.0)
	viper.SetDefault("playback.arrivalThresholdMeters", 1.0)
	viper.SetDefault("playback.pollPeriodSeconds", 0.05)
	viper.SetDefault("playback.iterationCeiling", 10000)
	viper.SetDefault("playback.baseVelocity", 3.0)
	viper.SetDefault("playback.followTimeoutSeconds", 600.0)
	viper.SetDefault("playback.takeoffSettleSeconds", 2.0)
	viper.SetDefault("playback.strategy", "relative")

	viper.SetDefault("overlay.enabled", true)
	viper.SetDefault("overlay.markerSize", 10.0)
	viper.SetDefault("overlay.baseAsset", "SUV")
	viper.SetDefault("overlay.baseObjectName", "playback_base")

	viper.SetDefault("storage.backend", "none")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "airsimviz")
	viper.SetDefault("db.sqlitePath", "")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "airsimviz-metrics")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "airsimviz")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetConfigName("airsimviz.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// SimAddress returns the host:port of the simulator's RPC endpoint.
func SimAddress() string {
	return viper.GetString("sim.host") + ":" + viper.GetString("sim.port")
}

// PlaybackConfig builds controller settings from the loaded configuration.
func PlaybackConfig() (playback.Config, error) {
	cfg := playback.Config{
		BaseVelocity:         viper.GetFloat64("playback.baseVelocity"),
		PlaybackSpeed:        viper.GetFloat64("playback.playbackSpeed"),
		ArrivalThreshold:     viper.GetFloat64("playback.arrivalThresholdMeters"),
		PollPeriod:           time.Duration(viper.GetFloat64("playback.pollPeriodSeconds") * float64(time.Second)),
		IterationCeiling:     viper.GetInt("playback.iterationCeiling"),
		FollowTimeoutSeconds: viper.GetFloat64("playback.followTimeoutSeconds"),
		TakeoffSettle:        time.Duration(viper.GetFloat64("playback.takeoffSettleSeconds") * float64(time.Second)),
	}

	switch s := viper.GetString("playback.strategy"); s {
	case "relative":
		cfg.Strategy = path.Relative
	case "absolute":
		cfg.Strategy = path.Absolute
	default:
		return cfg, fmt.Errorf("unknown path strategy %q", s)
	}

	return cfg, cfg.Validate()
}

// TransformConfig builds the coordinate transform from the loaded
// configuration.
func TransformConfig() transform.Transform {
	return transform.Transform{
		Scale:          viper.GetFloat64("playback.scale"),
		InvertVertical: viper.GetBool("playback.invertVertical"),
		VerticalOffset: viper.GetFloat64("playback.verticalOffset"),
	}
}

// OverlayConfig builds overlay settings from the loaded configuration.
func OverlayConfig() overlay.Config {
	cfg := overlay.DefaultConfig()
	cfg.MarkerSize = viper.GetFloat64("overlay.markerSize")
	cfg.BaseAsset = viper.GetString("overlay.baseAsset")
	cfg.BaseObjectName = viper.GetString("overlay.baseObjectName")
	return cfg
}

// GetOTelConfig builds OTel provider settings from the loaded configuration.
// The log writer is supplied by the caller once the session log file exists.
func GetOTelConfig() otel.Config {
	return otel.Config{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}
