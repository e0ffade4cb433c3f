package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/pranikc/airsim-mac/internal/dispatcher"
	"github.com/pranikc/airsim-mac/internal/playback"
	"github.com/pranikc/airsim-mac/internal/queue"
)

// TelemetryBucket receives per-tick pose measurements.
const TelemetryBucket = "playback_telemetry"

// DefaultBucketNames are the InfluxDB buckets the engine writes to.
var DefaultBucketNames = []string{
	TelemetryBucket,
}

// Manager handles InfluxDB connections and writes.
type Manager struct {
	Client       influxdb2.Client
	Writers      map[string]influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	BucketNames  []string
	Logger       zerolog.Logger
	BackupPath   string
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, backupPath string) *Manager {
	return &Manager{
		Writers:     make(map[string]influxdb2_api.WriteAPI),
		IsValid:     false,
		BucketNames: DefaultBucketNames,
		Logger:      log,
		BackupPath:  backupPath,
	}
}

// Connect establishes a connection to InfluxDB. When the server is not
// reachable, points go to a gzip backup file instead.
func (m *Manager) Connect() error {
	if !viper.GetBool("influx.enabled") {
		return errors.New("influx.enabled is false")
	}

	m.Client = influxdb2.NewClientWithOptions(
		fmt.Sprintf(
			"%s://%s:%s",
			viper.GetString("influx.protocol"),
			viper.GetString("influx.host"),
			viper.GetString("influx.port"),
		),
		viper.GetString("influx.token"),
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.Client.Ping(context.Background())

	if err != nil || !running {
		m.IsValid = false
		// create backup writer
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.BackupPath).
				Msg("Failed to initialize InfluxDB client, writing to backup file")

			file, err := os.OpenFile(m.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %v", err)
			}
			m.BackupWriter = gzip.NewWriter(file)
		}
	} else {
		m.IsValid = true
	}

	if m.IsValid {
		err = m.setupOrganizationAndBuckets()
		if err != nil {
			return err
		}
		m.CreateWriters()
		m.Logger.Info().Msg("InfluxDB client initialized")
	} else {
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
	}

	return nil
}

func (m *Manager) setupOrganizationAndBuckets() error {
	ctx := context.Background()
	orgName := viper.GetString("influx.org")

	// ensure org exists
	_, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		_, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Error().Err(err).Str("org", orgName).Msg("Error getting organization")
		return err
	}

	// ensure buckets exist with 90 day retention
	for _, bucket := range m.BucketNames {
		_, err = m.Client.BucketsAPI().FindBucketByName(ctx, bucket)
		if err != nil {
			m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")

			rule := domain.RetentionRuleTypeExpire
			_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, bucket, domain.RetentionRule{
				Type:         &rule,
				EverySeconds: 60 * 60 * 24 * 90, // 90 days
			})
			if err != nil {
				m.Logger.Error().Err(err).Str("bucket", bucket).Msg("Error creating bucket")
				return err
			}
		}
	}

	return nil
}

// CreateWriters creates write APIs for all configured buckets.
func (m *Manager) CreateWriters() {
	orgName := viper.GetString("influx.org")
	for _, bucket := range m.BucketNames {
		m.Writers[bucket] = m.Client.WriteAPI(orgName, bucket)

		errorsCh := m.Writers[bucket].Errors()
		go func(bucketName string, errorsCh <-chan error) {
			for writeErr := range errorsCh {
				m.Logger.Error().Err(writeErr).Str("bucket", bucketName).
					Msg("Error sending data to InfluxDB")
			}
		}(bucket, errorsCh)
	}

	m.Logger.Debug().Msg("InfluxDB writers initialized")
}

// WritePoint writes a point to InfluxDB or the backup file.
func (m *Manager) WritePoint(bucket string, point *influxdb2_write.Point) error {
	if m.IsValid {
		if _, ok := m.Writers[bucket]; !ok {
			return fmt.Errorf("influxDB bucket '%s' not registered", bucket)
		}
		m.Writers[bucket].WritePoint(point)
		return nil
	}

	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Duration(1*time.Nanosecond))
	if _, err := m.BackupWriter.Write([]byte(lineProtocol + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %s", err)
	}
	return nil
}

// Close flushes writers and shuts the client down.
func (m *Manager) Close() {
	for _, w := range m.Writers {
		w.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	if m.BackupWriter != nil {
		if err := m.BackupWriter.Close(); err != nil {
			m.Logger.Error().Err(err).Msg("Error closing backup writer")
		}
	}
}

// PosePoint converts a monitor pose sample into a telemetry point.
func PosePoint(sample playback.PoseSample) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement("pose").
		AddTag("agent", sample.Agent).
		AddField("x", sample.Pose.Position.X).
		AddField("y", sample.Pose.Position.Y).
		AddField("z", sample.Pose.Position.Z).
		AddField("yaw", sample.Pose.Yaw).
		AddField("distance_to_target", sample.Distance).
		AddField("arrived", sample.Arrived).
		SetTime(sample.At)
}

// Telemetry buffers pose samples from playback events and flushes them to
// InfluxDB in the background, so a slow or absent server never stalls the
// monitor loop. The buffer is bounded; under backpressure the oldest
// samples are dropped.
type Telemetry struct {
	mgr    *Manager
	buf    *queue.Queue[playback.PoseSample]
	logger zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTelemetry creates a telemetry pump over a connected manager.
func NewTelemetry(mgr *Manager, log zerolog.Logger) *Telemetry {
	return &Telemetry{
		mgr:    mgr,
		buf:    queue.NewBounded[playback.PoseSample](8192),
		logger: log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Attach subscribes the pump to playback telemetry events.
func (t *Telemetry) Attach(events *dispatcher.Dispatcher) {
	events.Subscribe(dispatcher.KindTelemetry, "influx", func(e dispatcher.Event) error {
		sample, ok := e.Payload.(playback.PoseSample)
		if !ok {
			return fmt.Errorf("unexpected telemetry payload %T", e.Payload)
		}
		t.buf.Push(sample)
		return nil
	})
}

// Start launches the background flusher.
func (t *Telemetry) Start(flushEvery time.Duration) {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				t.flush()
				return
			case <-ticker.C:
				t.flush()
			}
		}
	}()
}

// Stop drains the buffer one last time and waits for the flusher to exit.
func (t *Telemetry) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
	if evicted := t.buf.Evicted(); evicted > 0 {
		t.logger.Warn().Uint64("evicted", evicted).
			Msg("Telemetry samples dropped under backpressure")
	}
}

func (t *Telemetry) flush() {
	for _, sample := range t.buf.Drain() {
		if err := t.mgr.WritePoint(TelemetryBucket, PosePoint(sample)); err != nil {
			t.logger.Error().Err(err).Msg("Error writing pose point")
			return
		}
	}
}
