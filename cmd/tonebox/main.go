// Command tonebox plays notes and melodies, optionally behind an HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	tonebox "github.com/Lundis/go-tonebox"
	"github.com/Lundis/go-tonebox/audio"
	"github.com/Lundis/go-tonebox/internal/cli"
	"github.com/Lundis/go-tonebox/internal/httpapi"
	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/internal/metrics"
	"github.com/Lundis/go-tonebox/melody"
)

func main() {
	cfg, err := cli.ParseArgs(os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tonebox:", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tonebox:", err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("tonebox failed", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *cli.Config, log *zap.Logger) (err error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mixer := audio.NewMixer(
		audio.WithDriver(cfg.Driver),
		audio.WithVolume(cfg.Volume),
		audio.WithLogger(log.Named("audio")),
	)
	engine := tonebox.New(mixer,
		tonebox.WithModel(cfg.Model),
		tonebox.WithLogger(log),
		tonebox.WithMetrics(metrics.New(reg)),
	)
	if err := engine.Start(); err != nil {
		return err
	}
	defer func() {
		if e := engine.Shutdown(); e != nil && err == nil {
			err = e
		}
	}()

	var srv *http.Server
	if cfg.HTTP != "" {
		srv = &http.Server{
			Addr:         cfg.HTTP,
			Handler:      httpapi.NewRouter(engine, reg, log.Named("http")),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 20 * time.Second,
		}
		go func() {
			log.Info("control API listening", zap.String("addr", cfg.HTTP))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("control API stopped", zap.Error(err))
			}
		}()
	}

	if err := playNotes(ctx, engine, cfg); err != nil {
		return err
	}
	if cfg.Melody != "" {
		if err := playMelody(ctx, engine, cfg, log); err != nil {
			return err
		}
	}

	if srv != nil {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// playNotes plays the positional notes one after the other.
func playNotes(ctx context.Context, engine *tonebox.Engine, cfg *cli.Config) error {
	for _, n := range cfg.Notes {
		var (
			done <-chan struct{}
			err  error
		)
		if cfg.Tempo.BPM > 0 {
			done, err = engine.PlayTimedNote(n.Frequency, cfg.Tempo, 4)
		} else {
			done, err = engine.PlayNote(n.Frequency)
		}
		if err != nil {
			return fmt.Errorf("note %s: %w", n.Name, err)
		}
		select {
		case <-done:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func playMelody(ctx context.Context, engine *tonebox.Engine, cfg *cli.Config, log *zap.Logger) error {
	lib := melody.NewLibrary(log.Named("melody"))
	if err := lib.LoadFolder(cfg.Melodies); err != nil {
		return err
	}
	m, ok := lib.Get(cfg.Melody)
	if !ok {
		return fmt.Errorf("melody %q not found in %s", cfg.Melody, cfg.Melodies)
	}

	scheduler := melody.NewScheduler(engine, log.Named("scheduler"))
	end, err := scheduler.Schedule(m, 0)
	if err != nil {
		return err
	}
	log.Info("playing melody", zap.String("id", string(m.Id)), zap.Float64("seconds", end))

	start := time.Now()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for scheduler.Len() > 0 || engine.ActiveNotes() > 0 {
		select {
		case <-ctx.Done():
			return engine.ClearAll()
		case <-ticker.C:
			if scheduler.Process(time.Since(start).Seconds()) > 0 {
				// let the notes register before checking ActiveNotes
				if err := engine.Flush(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
