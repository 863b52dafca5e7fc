package surrealnormalize

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealnormalize/pkg/errorsink"
	"github.com/surrealdb/surrealnormalize/pkg/logger"
	"github.com/surrealdb/surrealnormalize/pkg/migrate"
	"github.com/surrealdb/surrealnormalize/pkg/normalize"
	"github.com/surrealdb/surrealnormalize/pkg/progress"
	"github.com/surrealdb/surrealnormalize/pkg/store"
)

const permission = 0664

// Do executes a migration run based on the provided configuration.
// It connects to the backend, runs every partition to completion and prints
// a summary. Partition failures are reported in the returned Summary, not
// as an error. The configuration should be validated before calling this
// function.
func Do(ctx context.Context, config *Config) (*migrate.Summary, error) {
	logData, err := logger.New().
		FromBuffer(config.LogOutput).
		FromPath(config.LogFile).
		Console(true).
		Verbose(config.Verbose).
		Make()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	defer logData.Close()
	log := logData.Logger

	s, err := openStores(ctx, config, log)
	defer s.close()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics, err := progress.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	agg := progress.NewAggregator(progress.WithLogger(log), progress.WithMetrics(metrics))

	if config.MetricsAddr != "" {
		srv, err := progress.Serve(config.MetricsAddr, agg, reg, log)
		if err != nil {
			agg.Close()
			return nil, fmt.Errorf("failed to serve metrics: %w", err)
		}
		defer func() {
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("failed to stop metrics server")
			}
		}()
	}

	n := normalize.New(s.collection, normalize.WithYearsField(config.YearsField))

	summary, err := migrate.Run(ctx, migrate.Plan{
		Collection: s.collection,
		Recovery:   s.recovery,
		OpenLog:    errorsink.FileOpener(config.Logs),
		Normalizer: n,
		Workers:    config.Workers,
		Total:      config.NumDocs,
		BatchSize:  config.BatchSize,
		Progress:   agg,
		Logger:     &log,
	})
	totals := agg.Close()
	if err != nil {
		return nil, err
	}
	log.Debug().
		Uint64("seen", totals.Seen).
		Int("partitions_done", totals.Done).
		Int("partitions_failed", totals.Failed).
		Msg("progress drained")

	if dry, ok := s.collection.(*store.DryRunCollection); ok {
		updates, deletes, inserts := dry.Writes()
		ev := log.Info().
			Uint64("updates", updates).
			Uint64("deletes", deletes).
			Uint64("inserts", inserts)
		if rec, ok := s.recovery.(*store.DryRunRecovery); ok {
			ev = ev.Uint64("recovery_inserts", rec.Inserts())
		}
		ev.Msg("dry run: writes skipped")
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	displaySummary(out, summary, config.Logs)

	if config.Summary != "" {
		if err := writeSummary(config.Summary, summary); err != nil {
			return summary, err
		}
		log.Info().Str("path", config.Summary).Msg("summary written")
	}
	return summary, nil
}

// writeSummary stores s as indented JSON at path.
func writeSummary(path string, s *migrate.Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), permission); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// ReadSummary loads a summary written by Do.
func ReadSummary(path string) (*migrate.Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s migrate.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &s, nil
}

func displaySummary(w io.Writer, s *migrate.Summary, logs string) {
	fmt.Fprintln(w, "\nMigration Summary:")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Collection:        %s\n", s.Collection)
	if s.DryRun {
		fmt.Fprintf(w, "Mode:              dry run\n")
	}
	fmt.Fprintf(w, "Workers:           %d\n", s.Workers)
	fmt.Fprintf(w, "Records:           %d\n", s.Total)
	fmt.Fprintf(w, "Seen:              %d\n", s.Seen)
	fmt.Fprintf(w, "Patched:           %d\n", s.Patched)
	fmt.Fprintf(w, "Unchanged:         %d\n", s.Unchanged)
	fmt.Fprintf(w, "Logged:            %d\n", s.Logged)
	fmt.Fprintf(w, "Recovered:         %d\n", s.Recovered)
	fmt.Fprintf(w, "Elapsed:           %s\n", s.Elapsed.Round(time.Millisecond))
	if !s.OK() {
		fmt.Fprintf(w, "Failed partitions: %v (see %s)\n", s.Failed, logs)
	}
}
