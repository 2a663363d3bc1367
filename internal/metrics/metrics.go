// Package metrics exposes the Prometheus registry and the echo-based
// /healthz and /metrics HTTP surface, plus periodic host gauges sampled
// via gopsutil.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Gauges and counters exported for the rest of the server to update.
var (
	ConnectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftrelay_connected_sessions",
		Help: "Number of sessions currently admitted.",
	})
	RateLimiterBans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftrelay_ratelimiter_bans_total",
		Help: "Total number of source IPs banned by the rate limiter.",
	})
	FramesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftrelay_frames_in_total",
		Help: "Inbound frames received, by transport.",
	}, []string{"transport"})
	FramesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "driftrelay_frames_out_total",
		Help: "Outbound frames sent, by transport.",
	}, []string{"transport"})
	TPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "driftrelay_tps",
		Help: "Measured ticks per second, by averaging window.",
	}, []string{"window"})
	ModBytesTransferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "driftrelay_mod_bytes_transferred_total",
		Help: "Total bytes sent to clients during mod sync.",
	})
	HeartbeatRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftrelay_heartbeat_registered",
		Help: "1 if the last heartbeat was accepted by a directory mirror, 0 if in direct mode.",
	})
	hostCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftrelay_host_cpu_percent",
		Help: "Host CPU utilization percent, sampled every 5s.",
	})
	hostMemUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "driftrelay_host_mem_used_bytes",
		Help: "Host memory used, in bytes, sampled every 5s.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectedSessions, RateLimiterBans, FramesIn, FramesOut, TPS,
		ModBytesTransferred, HeartbeatRegistered, hostCPUPercent, hostMemUsedBytes,
	)
}

// Server is the /healthz and /metrics HTTP surface.
type Server struct {
	echo *echo.Echo
	addr string
	ready func() bool
}

// NewServer builds a Server bound to addr. ready reports whether /healthz
// should return 200.
func NewServer(addr string, ready func() bool) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, addr: addr, ready: ready}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

func (s *Server) handleHealthz(c echo.Context) error {
	if s.ready != nil && !s.ready() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	return c.String(http.StatusOK, "ok")
}

// Run starts the HTTP server until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.echo.Shutdown(shutdownCtx)
	}()

	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// SampleHost runs a single host CPU/memory sample, updating the exported
// gauges. Call on an interval (e.g. every 5s) from the caller's own
// ticker.
func SampleHost(ctx context.Context) {
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hostMemUsedBytes.Set(float64(vm.Used))
	}
}
