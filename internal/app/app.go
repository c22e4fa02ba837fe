package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"meterwatch/internal/alerting"
	"meterwatch/internal/api"
	"meterwatch/internal/archive"
	"meterwatch/internal/client"
	"meterwatch/internal/config"
	"meterwatch/internal/metrics"
	"meterwatch/internal/query"
	"meterwatch/internal/sampler"
	"meterwatch/internal/source"
	"meterwatch/internal/window"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

func (a *App) newSource() source.Source {
	cfg := a.Config.Source
	src, err := source.New(cfg.Endpoint, source.Options{
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
		SNMP: source.SNMPOptions{
			Version: cfg.SNMP.Version,
			Retries: cfg.SNMP.Retries,
			OIDs:    cfg.SNMP.OIDs,
			Scale:   cfg.SNMP.Scale,
		},
	}, a.Logger)
	if err != nil {
		a.Logger.Error().Err(err).Str("endpoint", cfg.Endpoint).Msg("cannot resolve meter endpoint")
		return source.Unavailable(err)
	}
	return src
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newClient() *client.Client {
	return client.New(client.Options{
		BaseURL: a.Config.Client.BaseURL,
		Timeout: a.Config.Client.Timeout,
	}, a.Logger)
}

func (a *App) openArchive(ctx context.Context) (*archive.Store, error) {
	if !a.Config.Archive.Enabled {
		return nil, nil
	}

	pool, err := archive.NewPool(ctx, a.Config.Archive)
	if err != nil {
		return nil, err
	}

	store := archive.NewStore(pool, a.Config.Source.Endpoint)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// Serve runs the sampler, the query server and the optional archive and
// alert workers until SIGINT or SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", a.Config.HTTP.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Config.HTTP.ListenAddr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	cfg := a.Config

	store := window.New(window.Options{
		Retention:  cfg.Retention.Window,
		MaxSamples: cfg.Retention.MaxSamples,
	})

	var (
		m         *metrics.Metrics
		recorder  sampler.Recorder
		counter   alerting.Counter
		observers []sampler.Observer
	)
	if cfg.Metrics.Enabled {
		m = metrics.New(store)
		recorder = m
		counter = m
	}

	archiveStore, err := a.openArchive(ctx)
	if err != nil {
		_ = ln.Close()
		return err
	}
	var sink *archive.Sink
	if archiveStore != nil {
		defer archiveStore.Close()
		sink = archive.NewSink(archiveStore, archive.SinkOptions{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			QueueSize:     cfg.Archive.QueueSize,
		}, a.Logger)
		observers = append(observers, sink)
		if m != nil {
			m.RegisterQueue("archive", sink.Depth, sink.Dropped)
		}
	} else {
		a.Logger.Debug().Msg("archive disabled")
	}

	var evaluator *alerting.Evaluator
	if cfg.Alerting.Enabled {
		rules, err := alerting.CompileRules(cfg.Alerting.Rules)
		if err != nil {
			_ = ln.Close()
			return err
		}
		var auditor alerting.Auditor
		if archiveStore != nil {
			auditor = archiveStore
		}
		evaluator = alerting.NewEvaluator(rules, a.newNotifier(), auditor, counter, alerting.EvaluatorOptions{
			Endpoint:  cfg.Source.Endpoint,
			Cooldown:  cfg.Alerting.Cooldown,
			QueueSize: cfg.Alerting.QueueSize,
		}, a.Logger)
		observers = append(observers, evaluator)
		if m != nil {
			m.RegisterQueue("alerts", evaluator.Depth, evaluator.Dropped)
		}
	}

	smp, err := sampler.New(a.newSource(), store, sampler.Options{
		Interval:      cfg.Sampler.Interval,
		EvictEvery:    cfg.Sampler.EvictEvery,
		EvictInterval: cfg.Sampler.EvictInterval,
		StartupDelay:  cfg.Sampler.StartupDelay,
	}, recorder, a.Logger, observers...)
	if err != nil {
		_ = ln.Close()
		return err
	}

	apiOpts := api.Options{
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		IdleTimeout:     cfg.HTTP.IdleTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		CORSOrigin:      cfg.HTTP.CORSOrigin,
	}
	if m != nil {
		apiOpts.Metrics = m.Handler()
		apiOpts.MetricsPath = cfg.Metrics.Path
	}
	server := api.NewServer(query.New(store, smp, cfg.Source.Endpoint, a.Logger), apiOpts, a.Logger)

	a.Logger.Info().
		Str("endpoint", cfg.Source.Endpoint).
		Dur("interval", cfg.Sampler.Interval).
		Dur("retention", cfg.Retention.Window).
		Str("listen", ln.Addr().String()).
		Bool("archive", sink != nil).
		Bool("alerting", evaluator != nil).
		Msg("starting meterwatch")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, ln)
	})
	g.Go(func() error {
		err := smp.Run(gctx)
		if errors.Is(err, sampler.ErrSourceInit) {
			// Keep serving: status reports the failure and queries answer from an empty store.
			a.Logger.Error().Err(err).Msg("sampler not started; query surface stays up")
			return nil
		}
		return err
	})
	if sink != nil {
		g.Go(func() error { return sink.Run(gctx) })
	}
	if evaluator != nil {
		g.Go(func() error { return evaluator.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("meterwatch stopped")
	return nil
}

// ExportOptions hold parameters for exporting a window.
type ExportOptions struct {
	Period    string
	Fields    []string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Period string
	Limit  int
}
