package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"willow/internal/activity"
	"willow/internal/api"
	"willow/internal/command"
	"willow/internal/config"
	"willow/internal/engine"
	"willow/internal/expression"
	"willow/internal/ingest"
	"willow/internal/metrics"
	"willow/internal/model"
	"willow/internal/rules"
	"willow/internal/storage"
	"willow/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Manager
	Logger zerolog.Logger
}

func NewApp(cfg *config.Manager, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger}
}

// components is everything an engine needs, opened from the current config.
type components struct {
	catalog *rules.Catalog
	store   storage.Store
	gate    *command.Gate
	engine  *engine.Engine
}

func (c *components) Close() {
	if c.gate != nil {
		_ = c.gate.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}

func (a *App) open(ctx context.Context, withCommand bool) (*components, error) {
	cfg := a.Config.Get()
	catalog, err := rules.LoadFile(config.ResolvePath(cfg.Rules.Path))
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	ev, err := expression.New(cfg.Expression, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("expression evaluator: %w", err)
	}
	c := &components{catalog: catalog}

	c.store, err = storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if c.store != nil {
		if err := c.store.Init(ctx); err != nil {
			c.Close()
			return nil, fmt.Errorf("init storage: %w", err)
		}
	} else {
		a.Logger.Warn().Msg("storage disabled; actor state is not persisted")
	}

	if withCommand {
		pub, err := command.NewPublisher(cfg.Command, a.Logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("command publisher: %w", err)
		}
		if pub != nil {
			c.gate = command.NewGate(pub, cfg.Command, a.Logger)
		}
	}

	c.engine, err = engine.New(cfg, catalog, ev, engine.Deps{
		Store:     c.store,
		Codec:     storage.Codec{Level: cfg.Storage.CompressionLevel},
		Gate:      c.gate,
		Activity:  activity.NewStore(cfg.Activity.StoreLimit),
		Summaries: metrics.NewStore(cfg.Metrics.StoreLimit),
	}, a.Logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.engine.Restore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("some actors could not be restored")
	}
	return c, nil
}

// Run executes the long-running evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.open(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg := a.Config.Get()

	in := make(chan model.TelemetryBatch, cfg.Ingest.ChannelBuffer)
	c.engine.Start(ctx, in)
	ingest.StartREST(ctx, a.Config, in, a.Logger)
	ingest.StartFileTail(ctx, a.Config, in, a.Logger)
	ingest.StartKafka(ctx, a.Config, in, a.Logger)
	api.Start(ctx, a.Config, c.engine, a.reloader(c.engine), a.Logger, version.Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Config.Watch(cfg.Rules.WatchInterval, func(next *config.Config) {
			c.engine.UpdateConfig(next)
			a.Logger.Info().Msg("configuration reloaded")
		}, func(err error) {
			a.Logger.Warn().Err(err).Msg("configuration reload failed")
		}, gctx.Done())
		return nil
	})
	g.Go(func() error {
		path := config.ResolvePath(cfg.Rules.Path)
		config.WatchFile(path, cfg.Rules.WatchInterval, func() {
			if err := a.reloadRules(c.engine); err != nil {
				a.Logger.Warn().Err(err).Str("path", path).Msg("rules reload failed")
			}
		}, func(err error) {
			a.Logger.Warn().Err(err).Str("path", path).Msg("rules watch failed")
		}, gctx.Done())
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.engine.Wait()
		return nil
	})

	a.Logger.Info().Str("version", version.Version).Int("rule_instances", c.catalog.Len()).Msg("willow started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("willow stopped")
	return nil
}

func (a *App) reloader(eng *engine.Engine) api.Reloader {
	return func() error {
		if a.Config.Path() != "" {
			next, err := a.Config.Reload()
			if err != nil {
				return err
			}
			eng.UpdateConfig(next)
		}
		return a.reloadRules(eng)
	}
}

func (a *App) reloadRules(eng *engine.Engine) error {
	catalog, err := rules.LoadFile(config.ResolvePath(a.Config.Get().Rules.Path))
	if err != nil {
		return err
	}
	eng.UpdateCatalog(catalog)
	return nil
}

// ReplayResult summarizes a replay run.
type ReplayResult struct {
	Batches  int
	Actors   int
	Faulted  int
	Failures int
}

// Replay feeds a telemetry file through the engine once. Each line is one
// evaluation tick. With storage enabled, lines already applied in a previous
// run are skipped by the per-source watermarks.
func (a *App) Replay(ctx context.Context, path string, sync bool) (ReplayResult, error) {
	c, err := a.open(ctx, sync)
	if err != nil {
		return ReplayResult{}, err
	}
	defer c.Close()

	var res ReplayResult
	n, err := ingest.ReadFile(ctx, path, a.Config.Get(), a.Logger, func(b model.TelemetryBatch) error {
		if err := c.engine.ProcessBatches(ctx, []model.TelemetryBatch{b}); err != nil {
			res.Failures++
			a.Logger.Warn().Err(err).Int64("line", b.Seq).Msg("replay batch failed")
		}
		return nil
	})
	res.Batches = n
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", path, err)
	}
	res.Actors = c.engine.ActorCount()
	for _, ins := range c.engine.Insights() {
		if ins.IsFaulty {
			res.Faulted++
		}
	}
	return res, nil
}

// ValidateRules loads a catalog and compiles every expression it yields.
func (a *App) ValidateRules(path string, out io.Writer) error {
	catalog, err := rules.LoadFile(path)
	if err != nil {
		return err
	}
	ev, err := expression.New(a.Config.Get().Expression, a.Logger)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range catalog.IDs() {
		ri, _ := catalog.Get(id)
		if _, err := ev.Compile(ri.Expression()); err != nil {
			errs = append(errs, fmt.Errorf("rule instance %s: %w", id, err))
			fmt.Fprintf(out, "FAIL %s: %v\n", id, err)
			continue
		}
		failed := false
		for _, def := range ri.ImpactScores {
			if _, err := ev.Compile(def.Expression); err != nil {
				errs = append(errs, fmt.Errorf("rule instance %s impact score %s: %w", id, def.FieldID, err))
				fmt.Fprintf(out, "FAIL %s impact score %s: %v\n", id, def.FieldID, err)
				failed = true
			}
		}
		if !failed {
			fmt.Fprintf(out, "ok   %s (%s, %d points)\n", id, ri.Template.Template.Kind(), len(ri.Points))
		}
	}
	fmt.Fprintf(out, "%d rule instances, %d errors\n", catalog.Len(), len(errs))
	return errors.Join(errs...)
}
