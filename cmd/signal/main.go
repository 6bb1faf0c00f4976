package main

import (
	"context"
	goflag "flag"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rallykart/rally/pkg/config"
	"github.com/rallykart/rally/pkg/logger"
	"github.com/rallykart/rally/pkg/monitoring"
	"github.com/rallykart/rally/pkg/os"
	"github.com/rallykart/rally/pkg/service"
	"github.com/rallykart/rally/pkg/signal"
	flag "github.com/spf13/pflag"
)

var Version = "?"

func main() {
	conf := config.NewServer("")
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	conf.ParseFlags()

	log := logger.NewConsole(conf.Debug, "s", false)

	log.Info().Msgf("version %s", Version)
	if log.GetLevel() < logger.InfoLevel {
		log.Debug().Msgf("config: %+v", conf)
	}

	var services service.Group

	hub := signal.NewHub(conf, log)
	if conf.Monitoring.MetricEnabled || conf.Monitoring.ProfilingEnabled {
		reg := prometheus.NewRegistry()
		if conf.Monitoring.MetricEnabled {
			hub.WithMetrics(signal.NewMetrics(reg))
		}
		services.Add(monitoring.New(conf.Monitoring, reg, log))
	}
	services.Add(hub)
	services.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err := services.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("service shutdown errors")
		}
	}()
	<-os.ExpectTermination()
	cancel()
}
