package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"epdpanel/internal/capture"
	"epdpanel/internal/config"
	"epdpanel/internal/epd"
	"epdpanel/internal/fetch"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/model"
	"epdpanel/internal/queue"
	"epdpanel/internal/schedule"
	"epdpanel/internal/web"
	"epdpanel/internal/worker"
)

const version = "0.1.0"

type flagConfig struct {
	configPath string
	listen     string
	mock       bool
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.mock {
		conf.Panel.Driver = "mock"
	}

	appLog.Setup(appLog.Options{
		Level: appLog.ParseLevel(conf.Log.Level),
		File:  conf.Log.File,
	})

	appLog.Info("epdpanel starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"driver", conf.Panel.Driver,
		"width", conf.Panel.Width,
		"height", conf.Panel.Height,
		"queue_capacity", conf.Queue.Capacity,
		"enqueue_timeout", conf.EnqueueTimeout().String(),
		"rate_limit_per_minute", conf.RateLimitPerMinute,
		"source", conf.Fetch.Source,
		"refresh", conf.Fetch.Refresh,
		"fallback_clear", conf.ClearOnFallback(),
		"once", flags.once,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("epdpanel exited with error", err)
		os.Exit(1)
	}
	appLog.Info("epdpanel exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	geom := model.Geometry{Width: conf.Panel.Width, Height: conf.Panel.Height}
	pool := model.NewPool()
	jobs := queue.New(conf.Queue.Capacity)

	panel, err := openPanel(conf, geom)
	if err != nil {
		return err
	}
	defer func() {
		if err := panel.Close(); err != nil {
			appLog.Error("panel close failed", err)
		}
	}()

	w := worker.New(panel, jobs, geom, worker.WithDelays(worker.Delays{
		PreDraw:        conf.Panel.PreDrawDelay,
		PostDraw:       conf.Panel.PostDrawDelay,
		PartialPreDraw: conf.Panel.PartialPreDrawDelay,
	}))

	var capturer *capture.Capturer
	if conf.Capture.URL != "" {
		capturer = capture.New(capture.Options{
			URL:          conf.Capture.URL,
			WaitSelector: conf.Capture.WaitSelector,
			Timeout:      conf.Capture.Timeout,
		}, geom, pool)
	}

	sched := schedule.New(newSource(conf, pool, capturer), jobs, schedule.Options{
		Spec:           refreshSpec(conf),
		EnqueueTimeout: conf.EnqueueTimeout(),
		FallbackClear:  conf.ClearOnFallback(),
	})

	if once {
		return runOnce(ctx, w, sched, jobs)
	}

	if conf.Panel.ClearOnStart {
		if err := sched.ClearOnStart(ctx); err != nil {
			return err
		}
	}

	deps := web.Deps{
		Config:  conf,
		Jobs:    jobs,
		Pool:    pool,
		Panel:   panel,
		Stats:   w.Stats,
		Refresh: sched.RunOnce,
	}
	if capturer != nil {
		deps.Capture = capturer.Capture
	}
	srv := web.NewServer(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx, conf.Fetch.RunOnStart && refreshSpec(conf) != "") })
	g.Go(func() error { return srv.Serve(gctx) })
	return g.Wait()
}

// runOnce performs a single refresh and processes the queue until empty.
func runOnce(ctx context.Context, w *worker.Worker, sched *schedule.Scheduler, jobs *queue.Queue) error {
	if err := sched.RunOnce(ctx); err != nil && !errors.Is(err, schedule.ErrDropped) {
		return err
	}
	for jobs.Len() > 0 {
		job, err := jobs.Receive(ctx)
		if err != nil {
			return err
		}
		w.Handle(job)
	}
	return nil
}

func openPanel(conf *config.Config, geom model.Geometry) (epd.Panel, error) {
	if conf.Panel.Driver == "mock" {
		appLog.Info("using mock panel")
		return epd.NewMock(geom), nil
	}
	p := conf.Panel.Pins
	return epd.Open(conf.Panel.SPIPort, epd.Pins{CS: p.CS, DC: p.DC, RST: p.RST, BUSY: p.BUSY, PWR: p.PWR}, geom)
}

// refreshSpec is empty when the configured source has nothing to refresh
// from.
func refreshSpec(conf *config.Config) string {
	switch conf.Fetch.Source {
	case "capture":
		if conf.Capture.URL == "" {
			return ""
		}
	default:
		if conf.Fetch.URL == "" {
			return ""
		}
	}
	return conf.Fetch.Refresh
}

func newSource(conf *config.Config, pool *model.Pool, capturer *capture.Capturer) schedule.Source {
	if conf.Fetch.Source == "capture" && capturer != nil {
		return schedule.SourceFunc(capturer.Capture)
	}
	f := fetch.New(conf.Fetch.URL, pool, conf.Fetch.Timeout, conf.Upload.MaxBytes)
	return schedule.SourceFunc(func(ctx context.Context) (model.Job, error) {
		return f.Fetch(ctx), nil
	})
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/epdpanel/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.mock, "mock", false, "Use the in-memory panel; do not touch display hardware")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh, drive the panel, and exit")

	flag.Parse()

	return cfg
}
