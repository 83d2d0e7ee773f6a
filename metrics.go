package redisserver

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// VictoriaMetrics is a MetricsCollector keeping Prometheus-style series in
// its own metrics.Set
type VictoriaMetrics struct {
	set *metrics.Set

	syncDuration *metrics.Histogram
	networkBytes *metrics.Counter
	reconnects   *metrics.Counter
}

// NewVictoriaMetrics creates a collector with an empty series set
func NewVictoriaMetrics() *VictoriaMetrics {
	set := metrics.NewSet()
	return &VictoriaMetrics{
		set:          set,
		syncDuration: set.NewHistogram("redis_replica_sync_duration_seconds"),
		networkBytes: set.NewCounter("redis_replication_bytes_total"),
		reconnects:   set.NewCounter("redis_replica_reconnects_total"),
	}
}

func (v *VictoriaMetrics) RecordSyncDuration(duration time.Duration) {
	v.syncDuration.Update(duration.Seconds())
}

func (v *VictoriaMetrics) RecordCommandProcessed(cmd string, duration time.Duration) {
	name := strings.ToLower(cmd)
	v.set.GetOrCreateCounter(fmt.Sprintf(`redis_commands_total{command=%q}`, name)).Inc()
	v.set.GetOrCreateHistogram(fmt.Sprintf(`redis_command_duration_seconds{command=%q}`, name)).Update(duration.Seconds())
}

func (v *VictoriaMetrics) RecordNetworkBytes(bytes int64) {
	v.networkBytes.Add(int(bytes))
}

func (v *VictoriaMetrics) RecordReconnection() {
	v.reconnects.Inc()
}

func (v *VictoriaMetrics) RecordError(errorType string) {
	v.set.GetOrCreateCounter(fmt.Sprintf(`redis_errors_total{type=%q}`, errorType)).Inc()
}

// TrackReplicas exposes the number of connected replicas as a gauge
func (v *VictoriaMetrics) TrackReplicas(count func() int) {
	v.set.GetOrCreateGauge("redis_connected_replicas", func() float64 {
		return float64(count())
	})
}

// WritePrometheus writes every series in the Prometheus text format
func (v *VictoriaMetrics) WritePrometheus(w io.Writer) {
	v.set.WritePrometheus(w)
}
