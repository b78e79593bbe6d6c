package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vpsd/pkg/bus"
	"vpsd/pkg/config"
	"vpsd/pkg/db"
	"vpsd/pkg/s3"
	"vpsd/pkg/seal"
	"vpsd/pkg/telemetry"
	"vpsd/services/addresspool"
	"vpsd/services/api"
	"vpsd/services/billing"
	"vpsd/services/compute"
	"vpsd/services/control"
	"vpsd/services/dispatch"
	"vpsd/services/network"
	"vpsd/services/provisioning"
	"vpsd/services/records"
	"vpsd/services/reports"
)

const serviceName = "vpsd"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat)
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("vpsd exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	cleanup, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	orm, err := db.Gorm(pool)
	if err != nil {
		return err
	}
	store, err := records.New(orm, logger)
	if err != nil {
		return err
	}
	addresses, err := addresspool.New(pool, logger)
	if err != nil {
		return err
	}
	netProv, err := network.NewFromConfig(cfg.OVH, cfg.Timeouts.Call, logger)
	if err != nil {
		return err
	}
	pve, err := compute.NewFromConfig(cfg.Proxmox, logger)
	if err != nil {
		return err
	}

	sinks := []provisioning.ReportSink{store}
	if cfg.Reports.Bucket != "" {
		s3Client, err := s3.New(ctx, cfg.Reports)
		if err != nil {
			return err
		}
		archiver, err := reports.New(s3Client, cfg.Reports.Bucket, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, archiver)
	}

	orch, err := provisioning.New(store, addresses, netProv, pve, provisioning.Config{
		CallTimeout:  cfg.Timeouts.Call,
		CloneTimeout: cfg.Timeouts.Clone,
		Bridge:       cfg.Proxmox.Bridge,
		Disk:         cfg.Proxmox.Disk,
		Nodes:        cfg.Proxmox,
	}, logger, sinks...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		dispatcher billing.Dispatcher
		inline     *dispatch.Inline
	)
	switch strings.ToLower(cfg.Dispatch) {
	case config.DispatchBus:
		b, sealer, err := openBus(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		// A run may take the full clone timeout plus every other call.
		ackWait := cfg.Timeouts.Clone + 8*cfg.Timeouts.Call
		worker, err := dispatch.NewWorker(b, orch, sealer, ackWait, logger)
		if err != nil {
			return err
		}
		if err := worker.Start(gctx); err != nil {
			return err
		}
		defer worker.Close()

		if dispatcher, err = dispatch.NewBus(b, sealer, logger); err != nil {
			return err
		}
	default:
		if inline, err = dispatch.NewInline(orch, logger); err != nil {
			return err
		}
		dispatcher = inline
	}

	stripeClient, err := billing.NewStripe(cfg.Stripe, nil)
	if err != nil {
		return err
	}
	webhook, err := billing.NewHandler(stripeClient, stripeClient, store, dispatcher, logger)
	if err != nil {
		return err
	}
	gateway, err := control.New(store, pve, cfg.Timeouts.Control, logger)
	if err != nil {
		return err
	}

	ready := func(ctx context.Context) error { return db.Ping(ctx, pool) }
	handlers, err := api.New(webhook, gateway, ready, api.Config{
		ServiceName:      serviceName,
		ControlRateLimit: cfg.ControlRateLimit,
	}, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("dispatch", cfg.Dispatch).Msg("starting vpsd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
		if inline != nil {
			// Runs are never cancelled; give in-flight ones the clone budget to finish.
			waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.Clone)
			defer cancel()
			if err := inline.Wait(waitCtx); err != nil {
				logger.Warn().Err(err).Msg("provisioning runs still in flight at shutdown")
			}
		}
		return nil
	})

	return g.Wait()
}

func openBus(cfg config.Config) (*bus.Bus, *seal.Sealer, error) {
	sealer, err := seal.New(cfg.AgeIdentity)
	if err != nil {
		return nil, nil, err
	}
	b, err := bus.New(cfg.NATSURL, nats.Name(serviceName))
	if err != nil {
		return nil, nil, err
	}
	if err := b.EnsureStream(dispatch.StreamName, dispatch.RequestedSubject, dispatch.FinishedSubject); err != nil {
		b.Close()
		return nil, nil, err
	}
	return b, sealer, nil
}
