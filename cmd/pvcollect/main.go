package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmederer/pvcollect/internal/buildinfo"
	"github.com/kmederer/pvcollect/internal/config"
	"github.com/kmederer/pvcollect/internal/inverter"
	"github.com/kmederer/pvcollect/internal/sink"
	"github.com/kmederer/pvcollect/internal/site"
	"github.com/kmederer/pvcollect/internal/status"
	"github.com/kmederer/pvcollect/internal/webconnect"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	logger.Infof("pvcollect %s", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) error {
	st := site.New(cfg, logger)
	for _, dev := range cfg.Inverters {
		sess, err := webconnect.NewSession(webconnect.Config{
			Name:      dev.Name,
			URL:       dev.URL,
			Password:  dev.Password,
			UserClass: dev.Username,
		}, nil, logger)
		if err != nil {
			return err
		}
		st.AddDevice(inverter.New(dev.Name, sess, cfg.Location(), logger))
	}

	if cfg.MQTT != nil {
		mq, err := sink.NewMQTT(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		st.SetPublisher(mq)
	} else {
		logger.Warn("mqtt not configured, publishing disabled")
	}

	if cfg.Influx != nil {
		ifx, err := sink.NewInflux(ctx, cfg.Influx, logger)
		if err != nil {
			return err
		}
		defer ifx.Close()
		st.SetRecorder(ifx)
	} else {
		logger.Warn("influxdb2 not configured, recording disabled")
	}

	if err := st.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.Stop(stopCtx); err != nil {
			logger.Errorw("site shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(gctx) })
	if cfg.Status != nil {
		srv := status.NewServer(st, cfg.Status.Addr, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}
