package playback

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/pranikc/airsim-mac/internal/playback"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
