// Command loquilexd runs the LoquiLex session supervisor: admission control,
// per-session WebSocket protocol engines, and the optional NATS producer
// bridge, behind a chi-routed HTTP server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/loquilex/loquilex-core/internal/clock"
	"github.com/loquilex/loquilex-core/internal/config"
	"github.com/loquilex/loquilex-core/internal/logging"
	"github.com/loquilex/loquilex-core/internal/metrics"
	"github.com/loquilex/loquilex-core/internal/natsproducer"
	"github.com/loquilex/loquilex-core/internal/protocol"
	"github.com/loquilex/loquilex-core/internal/resourceguard"
	"github.com/loquilex/loquilex-core/internal/session"
	"github.com/loquilex/loquilex-core/internal/transport"
	"github.com/loquilex/loquilex-core/internal/workerpool"

	"github.com/shirou/gopsutil/v3/cpu"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLog := logging.New(logging.Config{Level: "info", Format: "console"})
	bootLog.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting loquilex-core")

	cfg, err := config.Load(&bootLog)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat)})
	cfg.LogConfig(log)

	mx := metrics.New()
	clk := clock.NewSystem()

	guard := resourceguard.New(resourceguard.Config{
		MaxCUDASessions:     cfg.MaxCUDASessions,
		MaxSessions:         cfg.MaxSessions,
		CPURejectThreshold:  cfg.CPURejectThreshold,
		CPUPauseThreshold:   cfg.CPUPauseThreshold,
		MaxGoroutines:       cfg.MaxGoroutines,
		AdmissionRatePerSec: cfg.AdmissionRatePerSec,
	})
	go monitorCPU(guard, cfg.MetricsInterval)

	pool := workerpool.New(cfg.WorkerPoolSize)
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	pool.Start(rootCtx)

	mgr := session.NewManager(session.ManagerConfig{
		Session: session.Config{
			Protocol: protocol.Config{
				HeartbeatInterval: cfg.Heartbeat(),
				HeartbeatTimeout:  cfg.HeartbeatTimeout(),
				ResumeTTL:         cfg.ResumeTTL(),
				ResumeMaxEvents:   cfg.ResumeMaxEvents,
				MaxInFlight:       uint64(cfg.MaxInFlight),
				MaxMsgBytes:       cfg.MaxMsgBytes,
				ConnQueueCapacity: cfg.ClientEventBuffer,
				DrainDeadline:     time.Duration(cfg.DrainDeadlineMs) * time.Millisecond,
			},
			CommitMaxCount: cfg.SessionMaxCommits,
			CommitMaxBytes: cfg.SessionMaxSizeBytes,
			CommitMaxAge:   cfg.SessionMaxAge(),
			HoldsCUDA:      cfg.MaxCUDASessions > 0,
		},
		RequireCUDA:      cfg.MaxCUDASessions > 0,
		IdleTimeout:      time.Duration(cfg.StopDeadlineMs) * time.Millisecond,
		ReapInterval:     30 * time.Second,
		ShutdownDeadline: time.Duration(cfg.ShutdownDeadlineMs) * time.Millisecond,
	}, clk, log, mx, guard, pool)
	go mgr.Run(rootCtx)

	var producer *natsproducer.Producer
	if cfg.NATSUrl != "" {
		producer, err = natsproducer.New(natsproducer.Config{
			URL:             cfg.NATSUrl,
			StreamName:      cfg.NATSStreamName,
			ConsumerName:    cfg.NATSConsumerName,
			ConsumerAckWait: cfg.NATSConsumerAckWait,
			StreamMaxAge:    cfg.NATSStreamMaxAge,
			StreamMaxMsgs:   cfg.NATSStreamMaxMsgs,
			StreamMaxBytes:  cfg.NATSStreamMaxBytes,
		}, mgr, guard, pool, log)
		if err != nil {
			log.Error().Err(err).Msg("natsproducer bridge disabled")
		}
	}

	srv := transport.New(transport.Config{
		Addr:               cfg.Addr,
		MetricsAddr:        cfg.MetricsAddr,
		LegacyAliasEnabled: cfg.LegacyAliasEnabled,
		MaxMsgBytes:        cfg.MaxMsgBytes,
	}, mgr, mx, log)

	serveCtx, cancelServe := context.WithCancel(context.Background())
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe(serveCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			log.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}

	cancelServe()
	mgr.Shutdown()
	pool.Stop()
	cancelRoot()
	if producer != nil {
		producer.Close()
	}

	log.Info().Msg("shutdown complete")
}

// monitorCPU periodically samples host-wide CPU usage (gopsutil's
// cpu.Percent across all CPUs) and feeds it to the resource guard's
// admission-rejection threshold, mirroring the teacher's SystemMonitor ->
// ResourceGuard wiring with one guard owned by this process rather than a
// shared singleton across shards.
func monitorCPU(guard *resourceguard.Guard, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		percents, err := cpu.Percent(0, false)
		if err != nil || len(percents) == 0 {
			continue
		}
		guard.UpdateCPU(percents[0])
	}
}
