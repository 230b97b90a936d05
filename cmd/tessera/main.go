// Command tessera captures live audio and produces a speaker-attributed
// transcript. It runs one session until interrupted, streaming updates to
// stdout, then writes the final transcript in the chosen export format.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tessera-audio/tessera/internal/config"
	"github.com/tessera-audio/tessera/internal/observe"
	"github.com/tessera-audio/tessera/internal/session"
	"github.com/tessera-audio/tessera/pkg/speakerstore"
	"github.com/tessera-audio/tessera/pkg/speakerstore/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	exportFormat := flag.String("export", "text", "final transcript format (text, json, srt, csv)")
	outputPath := flag.String("output", "-", "final transcript destination, - for stdout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tessera: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tessera: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		lvl := config.LogLevel(*logLevel)
		if !lvl.IsValid() {
			fmt.Fprintf(os.Stderr, "tessera: invalid log level %q\n", *logLevel)
			return 1
		}
		cfg.Server.LogLevel = lvl
	}

	format := session.ExportFormat(*exportFormat)
	if !format.IsValid() {
		fmt.Fprintf(os.Stderr, "tessera: invalid export format %q\n", *exportFormat)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("metrics provider init failed", "error", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(sctx); err != nil {
			slog.Warn("metrics provider shutdown error", "error", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Server.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics endpoint error", "error", err)
			}
		}()
	}

	var store speakerstore.Store
	if cfg.Store.PostgresDSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN, cfg.Store.MaxEmbeddingsPerProfile)
		if err != nil {
			slog.Error("speaker store connection failed", "error", err)
			return 1
		}
		store = pg
		slog.Info("speaker store connected")
	} else {
		store = speakerstore.NewMemoryStore(cfg.Store.MaxEmbeddingsPerProfile)
		slog.Info("speaker persistence disabled, using in-memory store")
	}
	defer store.Close()

	mgr := session.NewManager(cfg, store, nil, session.DefaultFactory)

	id, events, err := mgr.StartSession(ctx)
	if err != nil {
		slog.Error("session start failed", "error", err)
		return 1
	}
	slog.Info("session started, press Ctrl+C to stop", "session_id", id)

	failed := streamEvents(ctx, events)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	res, stopErr := mgr.StopSession(stopCtx, id)
	for range events {
		// Late refinements were folded into res already.
	}
	if stopErr != nil {
		slog.Error("session ended with error", "error", stopErr)
	}

	if err := writeTranscript(*outputPath, format, res); err != nil {
		slog.Error("transcript write failed", "error", err)
		return 1
	}

	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(sctx); err != nil {
			slog.Warn("metrics endpoint shutdown error", "error", err)
		}
	}

	slog.Info("session finished",
		"segments", res.Stats.SegmentCount,
		"refined", res.Stats.RefinedCount,
		"speakers", len(res.Speakers),
		"dropped", res.Stats.DroppedSegments,
	)
	if failed || stopErr != nil {
		return 1
	}
	return 0
}

// streamEvents prints live transcript updates until the stop signal fires
// or the pipeline dies. It reports whether a fatal event was seen.
func streamEvents(ctx context.Context, events <-chan session.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			switch e := ev.(type) {
			case session.TranscriptionUpdate:
				printSegment(e)
			case session.SpeakerDetected:
				if e.Known {
					slog.Info("known speaker re-identified", "speaker", e.SpeakerID, "confidence", e.Confidence)
				} else {
					slog.Info("new speaker", "speaker", e.SpeakerID)
				}
			case session.Warning:
				slog.Warn(e.Message, "stage", e.Stage, "severity", e.Severity)
			case session.ErrorEvent:
				slog.Error("pipeline error", "stage", e.Stage, "severity", e.Severity, "error", e.Err)
				if e.Severity >= session.SeverityCritical {
					return true
				}
			case session.ProcessingProgress:
				slog.Debug("progress",
					"audio", e.AudioProcessed.Round(time.Second),
					"backlog", e.Backlog,
					"rtf", fmt.Sprintf("%.2f", e.RealTimeFactor),
				)
			}
		}
	}
}

func printSegment(u session.TranscriptionUpdate) {
	s := u.Segment
	marker := ""
	if u.Type == session.UpdateTypeRefined {
		marker = " *"
	}
	start := s.Start.Truncate(time.Second)
	fmt.Printf("[%02d:%02d] %s:%s %s\n",
		int(start.Minutes()), int(start.Seconds())%60, s.SpeakerID, marker, s.Text)
}

func writeTranscript(path string, format session.ExportFormat, res session.FinalResult) error {
	w := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	} else {
		// Separate the final transcript from the live stream.
		fmt.Println()
	}
	names := make(map[string]string, len(res.Speakers))
	for _, sp := range res.Speakers {
		if sp.DisplayName != "" {
			names[sp.SpeakerID] = sp.DisplayName
		}
	}
	return session.Export(w, format, res.Stats, res.Segments, names)
}
