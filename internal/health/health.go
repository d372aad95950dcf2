// SPDX-License-Identifier: MIT

// Package health provides an HTTP health check endpoint for the relaycast
// agent.
//
// The health check exposes service status at /healthz as JSON, suitable for
// systemd watchdog, load balancer probes, or monitoring systems.
//
// A Prometheus /metrics endpoint is also served (via prometheus/client_golang)
// providing per-stream uptime, restart counts, and failure counts for fleet
// monitoring via Grafana/Prometheus.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceInfo describes the health state of a single stream.
type ServiceInfo struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Uptime   time.Duration `json:"uptime_ns"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
	Failures int           `json:"failures,omitempty"`
}

// SystemInfo contains host-level health data included in the health response.
type SystemInfo struct {
	DiskFreeBytes  uint64 `json:"disk_free_bytes"`
	DiskTotalBytes uint64 `json:"disk_total_bytes"`
	DiskLowWarning bool   `json:"disk_low_warning,omitempty"`
	NTPSynced      bool   `json:"ntp_synced"`
	NTPMessage     string `json:"ntp_message,omitempty"`
}

// StatusProvider returns the current health status of all streams. The
// composition root implements this to supply live data.
type StatusProvider interface {
	Services() []ServiceInfo
}

// SystemInfoProvider returns host-level health data.
type SystemInfoProvider interface {
	SystemInfo() SystemInfo
}

// Response is the JSON body returned by the health endpoint.
type Response struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Services  []ServiceInfo `json:"services"`
	System    *SystemInfo   `json:"system,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider    StatusProvider
	sysProvider SystemInfoProvider
	registry    *prometheus.Registry
	mux         http.Handler
}

// NewHandler creates a health check HTTP handler.
func NewHandler(provider StatusProvider) *Handler {
	h := &Handler{provider: provider}
	h.registry = prometheus.NewRegistry()
	h.registry.MustRegister(&collector{h: h})
	h.mux = h.router()
	return h
}

// WithSystemInfo attaches an optional system info provider to the handler.
// When set, disk space and NTP status are included in /healthz responses and
// /metrics output.
func (h *Handler) WithSystemInfo(p SystemInfoProvider) *Handler {
	h.sysProvider = p
	return h
}

func (h *Handler) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.serveHealth)
	r.Head("/healthz", h.serveHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Get("/", h.serveHealth)
	r.Head("/", h.serveHealth)
	return r
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := Response{
		Timestamp: time.Now(),
	}

	var services []ServiceInfo
	if h.provider != nil {
		services = h.provider.Services()
	}
	resp.Services = services

	healthy := len(services) > 0
	for _, svc := range services {
		if !svc.Healthy {
			healthy = false
			break
		}
	}

	if healthy {
		resp.Status = "healthy"
	} else {
		resp.Status = "unhealthy"
	}

	if h.sysProvider != nil {
		si := h.sysProvider.SystemInfo()
		resp.System = &si
		if si.DiskLowWarning {
			resp.Status = "degraded"
			healthy = false
		}
		if !si.NTPSynced && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy && resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// collector implements prometheus.Collector, pulling fresh values from the
// handler's providers on every scrape rather than caching stale gauges.
type collector struct {
	h *Handler
}

var (
	streamHealthyDesc = prometheus.NewDesc(
		"relaycast_stream_healthy", "Is the stream currently healthy (1=healthy, 0=not).",
		[]string{"stream"}, nil)
	streamUptimeDesc = prometheus.NewDesc(
		"relaycast_stream_uptime_seconds", "Seconds since stream last started.",
		[]string{"stream"}, nil)
	streamRestartsDesc = prometheus.NewDesc(
		"relaycast_stream_restarts_total", "Total restarts for stream.",
		[]string{"stream"}, nil)
	streamFailuresDesc = prometheus.NewDesc(
		"relaycast_stream_failures_total", "Total encoder-level failures for stream.",
		[]string{"stream"}, nil)
	diskFreeDesc = prometheus.NewDesc(
		"relaycast_disk_free_bytes", "Free bytes on the staging filesystem.", nil, nil)
	diskTotalDesc = prometheus.NewDesc(
		"relaycast_disk_total_bytes", "Total bytes on the staging filesystem.", nil, nil)
	diskLowDesc = prometheus.NewDesc(
		"relaycast_disk_low_warning", "1 when free disk is below the configured threshold.", nil, nil)
	ntpSyncedDesc = prometheus.NewDesc(
		"relaycast_ntp_synced", "1 when the system clock is NTP-synchronized.", nil, nil)
)

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- streamHealthyDesc
	ch <- streamUptimeDesc
	ch <- streamRestartsDesc
	ch <- streamFailuresDesc
	ch <- diskFreeDesc
	ch <- diskTotalDesc
	ch <- diskLowDesc
	ch <- ntpSyncedDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	var services []ServiceInfo
	if c.h.provider != nil {
		services = c.h.provider.Services()
	}
	for _, svc := range services {
		healthy := 0.0
		if svc.Healthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(streamHealthyDesc, prometheus.GaugeValue, healthy, svc.Name)
		ch <- prometheus.MustNewConstMetric(streamUptimeDesc, prometheus.GaugeValue, svc.Uptime.Seconds(), svc.Name)
		ch <- prometheus.MustNewConstMetric(streamRestartsDesc, prometheus.CounterValue, float64(svc.Restarts), svc.Name)
		ch <- prometheus.MustNewConstMetric(streamFailuresDesc, prometheus.CounterValue, float64(svc.Failures), svc.Name)
	}

	if c.h.sysProvider != nil {
		si := c.h.sysProvider.SystemInfo()
		ch <- prometheus.MustNewConstMetric(diskFreeDesc, prometheus.GaugeValue, float64(si.DiskFreeBytes))
		ch <- prometheus.MustNewConstMetric(diskTotalDesc, prometheus.GaugeValue, float64(si.DiskTotalBytes))

		diskLow := 0.0
		if si.DiskLowWarning {
			diskLow = 1
		}
		ch <- prometheus.MustNewConstMetric(diskLowDesc, prometheus.GaugeValue, diskLow)

		ntpSynced := 0.0
		if si.NTPSynced {
			ntpSynced = 1
		}
		ch <- prometheus.MustNewConstMetric(ntpSyncedDesc, prometheus.GaugeValue, ntpSynced)
	}
}

// ListenAndServe starts the health check HTTP server on the given address.
// It shuts down gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health check HTTP server and signals
// readiness once bound. Binding happens synchronously so port-in-use errors
// surface to the caller immediately instead of only after ctx is done.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
