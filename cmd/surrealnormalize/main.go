package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/surrealdb/surrealnormalize"
	"github.com/surrealdb/surrealnormalize/pkg/migrate"
)

// Exit codes. A run whose partitions failed still completes and writes its
// summary, but exits with exitPartitionFailed.
const (
	exitOK              = 0
	exitConfig          = 1
	exitPartitionFailed = 2
)

func exitCode(summary *migrate.Summary) int {
	if summary == nil || summary.OK() {
		return exitOK
	}
	return exitPartitionFailed
}

func main() {
	// Create config with defaults
	config := surrealnormalize.NewConfig()

	flag.StringVar(&config.Backend, "backend", config.Backend, "Store backend: surrealdb, mongodb, postgres or memory")
	flag.StringVar(&config.Endpoint, "endpoint", config.Endpoint, "SurrealDB server endpoint")
	flag.StringVar(&config.Username, "username", config.Username, "Authentication username")
	flag.StringVar(&config.Password, "password", config.Password, "Authentication password")
	flag.StringVar(&config.Namespace, "namespace", "", "SurrealDB namespace")
	flag.StringVar(&config.Database, "database", "", "SurrealDB or MongoDB database")
	flag.StringVar(&config.Transport, "transport", config.Transport, "SurrealDB WebSocket transport: gws or gorillaws")
	flag.StringVar(&config.MongoURI, "mongodb-uri", config.MongoURI, "MongoDB connection string")
	flag.StringVar(&config.PostgresDSN, "postgres-dsn", config.PostgresDSN, "PostgreSQL connection string")
	flag.StringVar(&config.Fixture, "fixture", "", "JSON array of documents for the memory backend")

	flag.StringVar(&config.Table, "table", config.Table, "Collection to normalize")
	flag.StringVar(&config.RecoveryTable, "recovery-table", config.RecoveryTable, "Collection receiving records without an email")
	flag.StringVar(&config.RecoveryFile, "recovery-file", "", "Write recovered records to this CBOR archive instead of a collection")

	flag.Uint64Var(&config.Workers, "workers", config.Workers, "Number of concurrent workers (at most 1024)")
	flag.Uint64Var(&config.NumDocs, "num-docs", 0, "Maximum number of records to process (0 for all)")
	flag.IntVar(&config.BatchSize, "batch-size", config.BatchSize, "Records fetched per round trip")
	flag.StringVar(&config.Logs, "logs", config.Logs, "Error log path")
	flag.StringVar(&config.YearsField, "years-field", "", "Field coerced to a list of years (default yearsTopContributor)")

	flag.StringVar(&config.Summary, "summary", "", "Write a JSON summary to this path; the exit status is 2 if any partition failed, and the summary lists which")
	flag.StringVar(&config.MetricsAddr, "metrics-addr", "", "Serve /metrics and /progress on this address during the run")
	flag.BoolVar(&config.DryRun, "dry-run", false, "Count writes instead of performing them")
	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&config.LogFile, "log-file", "", "Append the operator log to this file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output(), "\nExit status: 0 on success, 1 on configuration or connection errors, 2 if any partition failed.")
	}
	flag.Parse()

	// Validate configuration
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := surrealnormalize.Do(ctx, config)
	if err != nil {
		log.Fatal(err)
	}
	if code := exitCode(summary); code != exitOK {
		stop()
		os.Exit(code)
	}
}
