package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is pario's Prometheus instrumentation surface. Every method is
// nil-receiver-safe: a nil *Recorder (the value GetRecorder returns when
// metrics are disabled) turns every method into a no-op, so callers never
// need an IsEnabled check at the call site -- the same "pass nil, get
// zero overhead" convention this codebase's cache/s3 metrics interfaces
// use.
type Recorder struct {
	bytesWritten   *prometheus.CounterVec
	bytesRead      *prometheus.CounterVec
	flushTotal     *prometheus.CounterVec
	flushDuration  *prometheus.HistogramVec
	rearrangeDur   *prometheus.HistogramVec
	inFlight       *prometheus.GaugeVec
	dispatchErrors *prometheus.CounterVec
}

func newRecorder(reg *prometheus.Registry) *Recorder {
	return &Recorder{
		bytesWritten: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pario_bytes_written_total",
				Help: "Total bytes written through WriteDarray, by backend kind.",
			},
			[]string{"backend"},
		),
		bytesRead: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pario_bytes_read_total",
				Help: "Total bytes read through ReadDarray, by backend kind.",
			},
			[]string{"backend"},
		),
		flushTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pario_flush_total",
				Help: "Total MultiBuffer flushes, by cause (byte_budget, record_budget, explicit).",
			},
			[]string{"cause"},
		),
		flushDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pario_flush_duration_milliseconds",
				Help:    "Duration of a MultiBuffer flush (rearrange + backend PutVara calls).",
				Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
			},
			[]string{"cause"},
		),
		rearrangeDur: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pario_rearrange_duration_milliseconds",
				Help:    "Duration of one compute<->IO exchange, by direction and rearranger tag.",
				Buckets: []float64{0.5, 1, 5, 10, 50, 100, 500, 1000},
			},
			[]string{"direction", "rearranger"},
		),
		inFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pario_flowctl_in_flight",
				Help: "Current in-flight flow-control requests, by direction (send, recv).",
			},
			[]string{"direction"},
		),
		dispatchErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pario_async_dispatch_errors_total",
				Help: "Total asyncio.Serve handler errors, by message code.",
			},
			[]string{"msg_code"},
		),
	}
}

// ObserveWrite records a WriteDarray call's byte count.
func (r *Recorder) ObserveWrite(backendKind string, bytes int) {
	if r == nil {
		return
	}
	r.bytesWritten.WithLabelValues(backendKind).Add(float64(bytes))
}

// ObserveRead records a ReadDarray call's byte count.
func (r *Recorder) ObserveRead(backendKind string, bytes int) {
	if r == nil {
		return
	}
	r.bytesRead.WithLabelValues(backendKind).Add(float64(bytes))
}

// ObserveFlush records one MultiBuffer flush's cause and wall time.
func (r *Recorder) ObserveFlush(cause string, d time.Duration) {
	if r == nil {
		return
	}
	r.flushTotal.WithLabelValues(cause).Inc()
	r.flushDuration.WithLabelValues(cause).Observe(float64(d.Milliseconds()))
}

// ObserveRearrange records one ComputeToIO/IOToCompute exchange's wall
// time.
func (r *Recorder) ObserveRearrange(direction, rearranger string, d time.Duration) {
	if r == nil {
		return
	}
	r.rearrangeDur.WithLabelValues(direction, rearranger).Observe(float64(d.Milliseconds()))
}

// SetInFlight reports the current number of in-flight flowctl requests
// for direction ("send" or "recv").
func (r *Recorder) SetInFlight(direction string, n int) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(direction).Set(float64(n))
}

// ObserveDispatchError records an asyncio.Serve handler error for the
// given message code.
func (r *Recorder) ObserveDispatchError(msgCode string) {
	if r == nil {
		return
	}
	r.dispatchErrors.WithLabelValues(msgCode).Inc()
}
