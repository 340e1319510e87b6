// Command resolverd runs the value-namespace directory/resolver service.
//
// Grounded on ws/cmd/single/main.go's startup sequence: load config, build
// the logger, build the server, start it, wait for a signal, drain.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/resolver/internal/admission"
	"github.com/adred-codev/resolver/internal/config"
	"github.com/adred-codev/resolver/internal/conn"
	"github.com/adred-codev/resolver/internal/debugfeed"
	"github.com/adred-codev/resolver/internal/logging"
	"github.com/adred-codev/resolver/internal/metrics"
	"github.com/adred-codev/resolver/internal/pool"
	"github.com/adred-codev/resolver/internal/secstore"
	"github.com/adred-codev/resolver/internal/server"
	"github.com/adred-codev/resolver/internal/sharded"
	"github.com/adred-codev/resolver/internal/wire"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides config level)")
	flag.Parse()

	// .env is optional: in production (containers) config comes from real
	// environment variables, .env is a local-dev convenience.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	log.Info().Msg("starting resolverd")

	childReferrals, err := config.LoadChildReferrals(cfg.Resolver.ChildReferralsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading child referrals")
	}
	parentReferral, err := config.LoadParentReferral(cfg.Resolver.ParentReferralPath)
	if err != nil {
		log.Fatal().Err(err).Msg("loading parent referral")
	}

	var sec secstore.SecStore
	if cfg.Auth.Mode == "principal" {
		rules, err := config.LoadPermissionRules(cfg.Auth.PermissionMapPath)
		if err != nil {
			log.Fatal().Err(err).Msg("loading permission map")
		}
		sec = secstore.New(rules, cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)

		if _, err := config.WatchReloadable(cfg, func(next config.Config) {
			rules, err := config.LoadPermissionRules(next.Auth.PermissionMapPath)
			if err != nil {
				log.Error().Err(err).Msg("reloading permission map")
				return
			}
			log.Info().Int("rules", len(rules)).Msg("permission map reloaded")
		}); err != nil {
			log.Warn().Err(err).Msg("config hot-reload watcher not started")
		}
	}

	router := sharded.New(cfg.Server.ShardCount, childReferrals, parentReferral)

	var admissionGuard *admission.Guard
	if cfg.Admission.Enabled {
		admissionGuard = admission.New(admission.Config{
			CPURejectThreshold: cfg.Admission.CPURejectThreshold,
			MemoryLimitBytes:   cfg.Admission.MemoryLimitBytes,
			IPBurst:            cfg.Admission.IPBurst,
			IPRate:             cfg.Admission.IPRate,
			GlobalBurst:        cfg.Admission.GlobalBurst,
			GlobalRate:         cfg.Admission.GlobalRate,
		}, log.With().Str("component", "admission").Logger())
		defer admissionGuard.Stop()
	}

	metricsRegistry := metrics.NewRegistry()
	debugHub := debugfeed.NewHub(log.With().Str("component", "debugfeed").Logger())

	connCfg := conn.Config{
		HelloTimeout:   cfg.Server.HelloTimeout,
		ReaderTTL:      cfg.Server.ReaderTTL,
		ResolverID:     wire.ResolverID(cfg.Resolver.ID),
		ReadBatchPool:  pool.New[wire.ToRead](cfg.Pool.ReadBatchCapacity),
		WriteBatchPool: pool.New[wire.ToWrite](cfg.Pool.WriteBatchCapacity),
		Metrics:        metricsRegistry,
		Feed:           debugHub,
	}

	srv := server.New(server.Config{
		Addr:             cfg.Server.BindAddr,
		MaxConnections:   cfg.Server.MaxConnections,
		DrainGracePeriod: cfg.Server.DrainGracePeriod,
	}, connCfg, router, sec, admissionGuard, log.With().Str("component", "server").Logger())
	srv.SetMetrics(metricsRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go debugHub.Run(ctx)

	if cfg.Server.ObservabilityAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsRegistry.Handler())
		mux.Handle("/debug/feed", debugHub)
		obsSrv := &http.Server{Addr: cfg.Server.ObservabilityAddr, Handler: mux}
		go func() {
			if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("observability server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			_ = obsSrv.Close()
		}()
	}

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}
