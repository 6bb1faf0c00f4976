package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rallykart/rally/pkg/config"
	"github.com/rallykart/rally/pkg/logger"
)

// Monitoring is an HTTP endpoint with the prometheus metrics and,
// optionally, the pprof profiles.
type Monitoring struct {
	conf   config.Monitoring
	log    *logger.Logger
	server *http.Server
}

// New creates a new monitoring service around the given registry.
func New(conf config.Monitoring, reg *prometheus.Registry, log *logger.Logger) *Monitoring {
	h := http.NewServeMux()

	if conf.ProfilingEnabled {
		prefix := conf.URLPrefix + "/debug/pprof"
		log.Info().Msgf("Profiling is enabled at %v", prefix)
		h.HandleFunc(prefix+"/", pprof.Index)
		h.HandleFunc(prefix+"/cmdline", pprof.Cmdline)
		h.HandleFunc(prefix+"/profile", pprof.Profile)
		h.HandleFunc(prefix+"/symbol", pprof.Symbol)
		h.HandleFunc(prefix+"/trace", pprof.Trace)
		h.Handle(prefix+"/allocs", pprof.Handler("allocs"))
		h.Handle(prefix+"/block", pprof.Handler("block"))
		h.Handle(prefix+"/goroutine", pprof.Handler("goroutine"))
		h.Handle(prefix+"/heap", pprof.Handler("heap"))
		h.Handle(prefix+"/mutex", pprof.Handler("mutex"))
		h.Handle(prefix+"/threadcreate", pprof.Handler("threadcreate"))
	}

	if conf.MetricEnabled {
		metricPath := conf.URLPrefix + "/metrics"
		log.Info().Msgf("Prometheus metric is enabled at %v", metricPath)
		h.Handle(metricPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &Monitoring{
		conf: conf,
		log:  log,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", conf.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (m *Monitoring) Run() {
	m.log.Info().Msgf("Starting monitoring server at %v", m.server.Addr)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error().Err(err).Msg("Monitoring server")
		}
	}()
}

func (m *Monitoring) Shutdown(ctx context.Context) error {
	m.log.Info().Msg("Shutting down monitoring server")
	return m.server.Shutdown(ctx)
}

func (m *Monitoring) String() string {
	return fmt.Sprintf("monitoring::%s:%d", m.conf.URLPrefix, m.conf.Port)
}
