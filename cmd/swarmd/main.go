package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/hivegrid/hivegrid/distributor"
	"github.com/hivegrid/hivegrid/ratelimit"
	"github.com/hivegrid/hivegrid/risk"
	"github.com/hivegrid/hivegrid/schedule"
	"github.com/hivegrid/hivegrid/selector"
	"github.com/hivegrid/hivegrid/store"
	"github.com/hivegrid/hivegrid/util/cliutil"
	"github.com/hivegrid/hivegrid/warmup"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "swarmd",
		Usage:   "account pool coordination daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "max-metadb-connections",
			EnvVars: []string{"MAX_METADB_CONNECTIONS"},
			Value:   40,
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Value:   "sqlite://data/swarmd/swarm.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for rate limit counters; in-process counters when empty",
			EnvVars: []string{"SWARMD_REDIS_URL", "REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":4100",
			EnvVars: []string{"SWARMD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":4101",
			EnvVars: []string{"SWARMD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "variation-host",
			Usage:   "base URL of the content variation service",
			Value:   "http://localhost:4200",
			EnvVars: []string{"SWARMD_VARIATION_HOST"},
		},
		&cli.StringFlag{
			Name:    "dispatcher-host",
			Usage:   "base URL of the execution queue service",
			Value:   "http://localhost:4300",
			EnvVars: []string{"SWARMD_DISPATCHER_HOST"},
		},
		&cli.IntFlag{
			Name:    "dispatch-rate-limit",
			Usage:   "max job hand-offs per second to the execution queue",
			Value:   20,
			EnvVars: []string{"SWARMD_DISPATCH_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "parallel-variations",
			Usage:   "max concurrent requests to the variation service",
			Value:   4,
			EnvVars: []string{"SWARMD_PARALLEL_VARIATIONS"},
		},
		&cli.DurationFlag{
			Name:    "monitor-interval",
			Usage:   "how often active distributions are sampled for anomalies",
			Value:   30 * time.Second,
			EnvVars: []string{"SWARMD_MONITOR_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "min-slot-gap",
			Usage:   "hard floor between consecutive scheduled slots",
			Value:   3 * time.Minute,
			EnvVars: []string{"SWARMD_MIN_SLOT_GAP"},
		},
		&cli.DurationFlag{
			Name:    "max-slot-gap",
			Usage:   "soft ceiling between consecutive scheduled slots",
			Value:   45 * time.Minute,
			EnvVars: []string{"SWARMD_MAX_SLOT_GAP"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		// Enable OTLP HTTP exporter
		// For relevant environment variables:
		// https://pkg.go.dev/go.opentelemetry.io/otel/exporters/otlp/otlptrace#readme-environment-variables
		// At a minimum, you need to set
		// OTEL_EXPORTER_OTLP_ENDPOINT=http://localhost:4318
		if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
			slog.Info("setting up trace exporter", "endpoint", ep)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			exp, err := otlptracehttp.New(ctx)
			if err != nil {
				log.Fatal("failed to create trace exporter", "error", err)
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := exp.Shutdown(ctx); err != nil {
					slog.Error("failed to shutdown trace exporter", "error", err)
				}
			}()

			tp := tracesdk.NewTracerProvider(
				tracesdk.WithBatcher(exp),
				tracesdk.WithResource(resource.NewWithAttributes(
					semconv.SchemaURL,
					semconv.ServiceNameKey.String("swarmd"),
					attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
					attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
					attribute.Int64("ID", 1),
				)),
			)
			otel.SetTracerProvider(tp)
		}

		db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-metadb-connections"))
		if err != nil {
			return err
		}

		st := store.NewGormstore(db)
		if err := st.AutoMigrate(); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}

		var counts ratelimit.CountStore
		if redisURL := cctx.String("redis-url"); redisURL != "" {
			rcs, err := ratelimit.NewRedisCountStore(redisURL)
			if err != nil {
				return fmt.Errorf("initializing redis countstore: %w", err)
			}
			counts = rcs
		} else {
			counts = ratelimit.NewMemCountStore()
		}
		limiter := ratelimit.NewLimiter(counts, ratelimit.DefaultConfig(), logger)

		sel := selector.New(st, limiter, selector.DefaultConfig(), logger)

		dispatcher := NewDispatchClient(cctx.String("dispatcher-host"))
		variations := NewVariationClient(cctx.String("variation-host"))

		riskCfg := risk.DefaultConfig()
		riskCfg.MonitorInterval = cctx.Duration("monitor-interval")
		riskMgr := risk.NewManager(st, dispatcher, riskCfg, logger)

		schedCfg := schedule.DefaultConfig()
		schedCfg.MinGap = cctx.Duration("min-slot-gap")
		schedCfg.MaxGap = cctx.Duration("max-slot-gap")

		distCfg := distributor.DefaultConfig()
		distCfg.Schedule = schedCfg
		distCfg.ParallelVariations = int64(cctx.Int("parallel-variations"))
		distCfg.DispatchPerSecond = cctx.Int("dispatch-rate-limit")
		eng := distributor.NewEngine(st, sel, riskMgr, limiter, variations, dispatcher, distCfg, logger)
		defer eng.Close()

		warm := warmup.NewEngine(st, logger)

		srv, err := NewServer(Config{
			Bind:        cctx.String("bind"),
			Store:       st,
			Limiter:     limiter,
			Warmup:      warm,
			Distributor: eng,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.RunAPI(ctx); err != nil {
			return fmt.Errorf("failed to run coordination service: %w", err)
		}
		return nil
	},
}
