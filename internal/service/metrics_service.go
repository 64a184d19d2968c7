package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/geoattend-api/internal/models"
)

// Check-in outcome labels.
const (
	CheckInAllowed   = "allowed"
	CheckInTooFar    = "too_far"
	CheckInFinalized = "finalized"
	CheckInRejected  = "rejected"
)

// Photo result labels.
const (
	PhotoUploaded = "uploaded"
	PhotoRejected = "rejected"
)

// MetricsService encapsulates Prometheus instrumentation on a private registry.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	checkIns           *prometheus.CounterVec
	photos             *prometheus.CounterVec
	overrides          *prometheus.CounterVec
	eventsPublished    *prometheus.CounterVec
	subscribersDropped prometheus.Counter
	streamSubscribers  prometheus.Gauge
	sessionsCreated    prometheus.Counter
	sessionsEnded      *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	checkIns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_checkins_total",
		Help: "Location pings by outcome",
	}, []string{"outcome"})

	photos := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_photos_total",
		Help: "Selfie submissions by result",
	}, []string{"result"})

	overrides := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_overrides_total",
		Help: "Teacher overrides by decision",
	}, []string{"decision"})

	eventsPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_events_published_total",
		Help: "Roster events published by kind",
	}, []string{"kind"})

	subscribersDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_subscribers_dropped_total",
		Help: "Stream subscribers dropped for lagging",
	})

	streamSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_stream_subscribers",
		Help: "Currently connected roster stream subscribers",
	})

	sessionsCreated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "attendance_sessions_created_total",
		Help: "Sessions opened by teachers",
	})

	sessionsEnded := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_sessions_ended_total",
		Help: "Sessions leaving the open state by final status",
	}, []string{"status"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, checkIns, photos, overrides, eventsPublished,
		subscribersDropped, streamSubscribers, sessionsCreated, sessionsEnded, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:           registry,
		handler:            handler,
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		checkIns:           checkIns,
		photos:             photos,
		overrides:          overrides,
		eventsPublished:    eventsPublished,
		subscribersDropped: subscribersDropped,
		streamSubscribers:  streamSubscribers,
		sessionsCreated:    sessionsCreated,
		sessionsEnded:      sessionsEnded,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the private registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCheckIn counts a location ping outcome.
func (m *MetricsService) RecordCheckIn(outcome string) {
	if m == nil {
		return
	}
	m.checkIns.WithLabelValues(outcome).Inc()
}

// RecordPhoto counts a selfie submission result.
func (m *MetricsService) RecordPhoto(result string) {
	if m == nil {
		return
	}
	m.photos.WithLabelValues(result).Inc()
}

// RecordOverride counts a teacher decision.
func (m *MetricsService) RecordOverride(decision models.RosterStatus) {
	if m == nil {
		return
	}
	m.overrides.WithLabelValues(string(decision)).Inc()
}

// RecordEvent counts a published roster event.
func (m *MetricsService) RecordEvent(kind models.RosterEventKind) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(string(kind)).Inc()
}

// RecordSubscriberDropped counts a lagging subscriber removal. The topic is
// not used as a label to keep cardinality bounded.
func (m *MetricsService) RecordSubscriberDropped(string) {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

// StreamOpened increments the connected subscriber gauge.
func (m *MetricsService) StreamOpened() {
	if m == nil {
		return
	}
	m.streamSubscribers.Inc()
}

// StreamClosed decrements the connected subscriber gauge.
func (m *MetricsService) StreamClosed() {
	if m == nil {
		return
	}
	m.streamSubscribers.Dec()
}

// RecordSessionCreated counts a newly opened session.
func (m *MetricsService) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionEnded counts a session that left the open state.
func (m *MetricsService) RecordSessionEnded(status models.SessionStatus) {
	if m == nil {
		return
	}
	m.sessionsEnded.WithLabelValues(string(status)).Inc()
}
