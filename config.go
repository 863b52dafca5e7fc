package surrealnormalize

import (
	"errors"
	"fmt"
	"io"

	"github.com/surrealdb/surrealnormalize/pkg/migrate"
	"github.com/surrealdb/surrealnormalize/pkg/partition"
	"github.com/surrealdb/surrealnormalize/pkg/store/surrealdb"
)

// Backends accepted by Config.Backend.
const (
	BackendSurrealDB = "surrealdb"
	BackendMongoDB   = "mongodb"
	BackendPostgres  = "postgres"
	BackendMemory    = "memory"
)

var (
	ErrUnknownBackend = errors.New("unknown backend")
	ErrMissingSetting = errors.New("missing setting")
)

// Config holds all configuration options for a migration run
type Config struct {
	// One of BackendSurrealDB, BackendMongoDB, BackendPostgres, BackendMemory
	Backend string

	// SurrealDB server endpoint (e.g., "ws://localhost:8000")
	Endpoint string
	// Authentication username
	Username string
	// Authentication password
	Password string
	// SurrealDB namespace
	Namespace string
	// SurrealDB or MongoDB database
	Database string
	// SurrealDB WebSocket transport, "gws" or "gorillaws"
	Transport string

	// MongoDB connection string
	MongoURI string
	// PostgreSQL connection string
	PostgresDSN string
	// JSON array of documents seeding the memory backend
	Fixture string

	// Collection to normalize
	Table string
	// Collection receiving records without an email
	RecoveryTable string
	// If set, recovered records go to this CBOR archive instead of
	// RecoveryTable
	RecoveryFile string

	// Number of concurrent partitions
	Workers uint64
	// Maximum number of records to scan, 0 for all
	NumDocs uint64
	// Records fetched per round trip
	BatchSize int
	// Error log path
	Logs string
	// Years field coerced to a list of numbers
	YearsField string

	// JSON summary output path
	Summary string
	// Address serving /metrics and /progress while the run lasts
	MetricsAddr string
	// Count writes instead of performing them
	DryRun bool
	// Enable verbose logging
	Verbose bool
	// Operator log file, stderr if empty
	LogFile string

	// Destination of the summary table, stdout if nil
	Output io.Writer
	// Destination of the operator log, stderr if nil
	LogOutput io.Writer
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Backend:       BackendSurrealDB,
		Endpoint:      GetEnvOrDefault(EnvSurrealDBURL, "ws://localhost:8000"),
		Username:      GetEnvOrDefault(EnvSurrealDBUser, "root"),
		Password:      GetEnvOrDefault(EnvSurrealDBPass, "root"),
		Transport:     surrealdb.TransportGWS,
		MongoURI:      GetEnvOrDefault(EnvMongoDBURI, "mongodb://localhost:27017"),
		PostgresDSN:   GetEnvOrDefault(EnvPostgresDSN, ""),
		Table:         "user",
		RecoveryTable: "recovered_users",
		Workers:       1,
		BatchSize:     migrate.DefaultBatchSize,
		Logs:          "migration-errors.log",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := partition.CheckWorkers(c.Workers); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Logs == "" {
		return fmt.Errorf("%w: error log path is required", ErrMissingSetting)
	}
	if c.Table == "" {
		return fmt.Errorf("%w: table is required", ErrMissingSetting)
	}
	if c.RecoveryFile == "" {
		if c.RecoveryTable == "" {
			return fmt.Errorf("%w: recovery table or recovery file is required", ErrMissingSetting)
		}
		if c.RecoveryTable == c.Table {
			return fmt.Errorf("recovery table must differ from %q", c.Table)
		}
	}

	switch c.Backend {
	case BackendSurrealDB:
		if c.Endpoint == "" {
			return fmt.Errorf("%w: endpoint is required", ErrMissingSetting)
		}
		if c.Namespace == "" {
			return fmt.Errorf("%w: namespace is required", ErrMissingSetting)
		}
		if c.Database == "" {
			return fmt.Errorf("%w: database is required", ErrMissingSetting)
		}
		switch c.Transport {
		case "", surrealdb.TransportGWS, surrealdb.TransportGorillaWS:
		default:
			return fmt.Errorf("unknown transport %q", c.Transport)
		}
	case BackendMongoDB:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: MongoDB URI is required", ErrMissingSetting)
		}
		if c.Database == "" {
			return fmt.Errorf("%w: database is required", ErrMissingSetting)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: PostgreSQL DSN is required", ErrMissingSetting)
		}
	case BackendMemory:
		if c.Fixture == "" {
			return fmt.Errorf("%w: fixture is required", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	return nil
}
