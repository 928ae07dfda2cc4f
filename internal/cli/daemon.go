package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsh2dsh/cron/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/arkvolt/arkvolt/internal/btrfs"
	"github.com/arkvolt/arkvolt/internal/config"
	"github.com/arkvolt/arkvolt/internal/controlapi"
	"github.com/arkvolt/arkvolt/internal/envconst"
	"github.com/arkvolt/arkvolt/internal/lineage"
	"github.com/arkvolt/arkvolt/internal/logging"
	"github.com/arkvolt/arkvolt/internal/metrics"
	"github.com/arkvolt/arkvolt/internal/pipeline"
	"github.com/arkvolt/arkvolt/internal/policy"
	"github.com/arkvolt/arkvolt/internal/remote"
	"github.com/arkvolt/arkvolt/internal/restore"
	"github.com/arkvolt/arkvolt/internal/retention"
	"github.com/arkvolt/arkvolt/internal/runctl"
	"github.com/arkvolt/arkvolt/internal/streamcrypt"
)

var daemonCommand = &cobra.Command{
	Use:   "daemon",
	Short: "Run arkvoltd as a long-lived service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context(), configPath)
	},
}

func init() {
	rootCommand.AddCommand(daemonCommand)
}

func runDaemon(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := parseLevel(cfg.LogLevel)
	logger := logging.New(os.Stderr, logging.Format(cfg.LogFormat), logLevel)
	ctx = logging.WithLogger(ctx, logger)
	log := logging.GetLogger(ctx, logging.SubsysControl)

	key, err := streamcrypt.LoadOrCreateKey(cfg.KeyfilePath())
	if err != nil {
		return fmt.Errorf("load encryption keyfile: %w", err)
	}

	store, err := lineage.Open(cfg.LineageDBPath())
	if err != nil {
		return fmt.Errorf("open lineage store: %w", err)
	}
	defer store.Close()

	btrfsManager := btrfs.NewManager(cfg.SnapshotDir, func(subvolume string, ts time.Time) bool {
		pinned, _ := store.IsParentOfCommitted(subvolume, ts)
		return pinned
	})

	channel := remote.NewSSHChannel(remote.Config{
		Host: cfg.RemoteHost, User: cfg.RemoteUser, Port: cfg.RemotePort,
		IdentityFile: cfg.IdentityFile, ConnectTimeout: time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
	})
	if err := channel.Open(ctx); err != nil {
		return fmt.Errorf("open remote channel: %w", err)
	}
	defer channel.Close()

	layout := remote.Layout{BasePath: cfg.RemoteBasePath, ClientID: cfg.ClientID}

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	progress := &controlapi.ProgressRecorder{}
	runner := pipeline.NewRunner(btrfsManager, channel, store, layout, progress.Observe)
	runner.SetMetrics(metricsRegistry)
	engine := policy.New(store)
	controller := runctl.New(runner, engine, btrfsManager, store, key, channel, layout)
	controller.SetMetrics(metricsRegistry)

	restorer := restore.NewRunner(channel, btrfsManager, key)

	buildSpecs := func(forceFull bool, only []string) ([]runctl.SubvolumeSpec, error) {
		wanted := map[string]bool{}
		for _, n := range only {
			wanted[n] = true
		}
		var specs []runctl.SubvolumeSpec
		for _, sv := range cfg.Subvolumes {
			if len(wanted) > 0 && !wanted[sv.Name] {
				continue
			}
			specs = append(specs, runctl.SubvolumeSpec{
				Subvolume: sv,
				ForceFull: forceFull,
				PolicyParams: policy.Params{
					FullIntervalDays:     cfg.FullIntervalDays,
					DailyIncrementalDays: cfg.DailyIncrementalDays,
				},
				CompressLevel: cfg.CompressLevel,
			})
		}
		return specs, nil
	}

	controlSrv := controlapi.New(cfg.ClientID, controller, store, store, restorer, buildSpecs, progress)

	reaper := retention.New(btrfsManager, store, channel)
	reaper.SetMetrics(metricsRegistry)

	controlServer := &http.Server{Addr: cfg.ControlListenAddr, Handler: controlSrv.Handler()}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}

	go func() {
		log.Info("control API listening", "addr", cfg.ControlListenAddr)
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API server failed", "err", err.Error())
		}
	}()
	go func() {
		log.Info("metrics listening", "addr", cfg.MetricsListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err.Error())
		}
	}()

	stop := runRetentionLoop(ctx, reaper, cfg)
	defer stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Warn("shutting down on signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = controlServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	return nil
}

// runRetentionLoop runs the Retention Reaper over every configured
// subvolume on a recurring schedule. It returns a stop function for
// orderly shutdown.
func runRetentionLoop(ctx context.Context, reaper *retention.Reaper, cfg *config.Config) func() {
	interval := envconst.Duration("ARKVOLT_RETENTION_INTERVAL", 24*time.Hour)
	log := logging.GetLogger(ctx, logging.SubsysRetention)

	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		params := retention.Params{
			LocalRetentionDays:   cfg.LocalSnapshotDays,
			MonthsToKeep:         cfg.MonthsToKeep,
			DailyIncrementalDays: cfg.DailyIncrementalDays,
		}
		for _, sv := range cfg.Subvolumes {
			if _, err := reaper.RunLocal(ctx, sv.Name, params); err != nil {
				log.Error("local retention pass failed", "subvolume", sv.Name, "err", err.Error())
			}
			if _, err := reaper.RunRemote(ctx, sv.Name, params); err != nil {
				log.Error("remote retention pass failed", "subvolume", sv.Name, "err", err.Error())
			}
		}
	})
	if err != nil {
		log.Error("schedule retention loop failed", "err", err.Error())
	}
	c.Start()

	return func() {
		<-c.Stop().Done()
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
