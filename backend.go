package surrealnormalize

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealnormalize/pkg/archive"
	"github.com/surrealdb/surrealnormalize/pkg/store"
	"github.com/surrealdb/surrealnormalize/pkg/store/memory"
	"github.com/surrealdb/surrealnormalize/pkg/store/mongodb"
	"github.com/surrealdb/surrealnormalize/pkg/store/postgres"
	"github.com/surrealdb/surrealnormalize/pkg/store/surrealdb"
)

// stores is what a run reads from and writes to.
type stores struct {
	collection store.Collection
	recovery   store.Recovery
	cleanups   []func()
}

func (s *stores) close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
}

// openStores connects to the configured backend and opens the source and
// recovery collections. The caller must call close, even on error.
func openStores(ctx context.Context, config *Config, log zerolog.Logger) (*stores, error) {
	s := &stores{}
	var recoveryTable store.Recovery

	switch config.Backend {
	case BackendSurrealDB:
		db, cleanup, err := surrealdb.Connect(ctx, surrealdb.Config{
			Endpoint:  config.Endpoint,
			Username:  config.Username,
			Password:  config.Password,
			Namespace: config.Namespace,
			Database:  config.Database,
			Transport: config.Transport,
			Verbose:   config.Verbose,
		}, log)
		if err != nil {
			return s, err
		}
		s.cleanups = append(s.cleanups, cleanup)
		s.collection = surrealdb.New(db, config.Table)
		recoveryTable = surrealdb.New(db, config.RecoveryTable)

	case BackendMongoDB:
		client, cleanup, err := mongodb.Connect(ctx, config.MongoURI)
		if err != nil {
			return s, err
		}
		s.cleanups = append(s.cleanups, cleanup)
		db := client.Database(config.Database)
		s.collection = mongodb.New(db, config.Table)
		recoveryTable = mongodb.New(db, config.RecoveryTable)

	case BackendPostgres:
		db, cleanup, err := postgres.Open(config.PostgresDSN)
		if err != nil {
			return s, err
		}
		s.cleanups = append(s.cleanups, cleanup)
		s.collection = postgres.New(db, config.Table)
		if config.RecoveryFile == "" && !config.DryRun {
			recovered := postgres.New(db, config.RecoveryTable)
			if err := recovered.Migrate(ctx); err != nil {
				return s, fmt.Errorf("failed to create %s: %w", config.RecoveryTable, err)
			}
			recoveryTable = recovered
		}

	case BackendMemory:
		coll := memory.New(config.Table)
		if err := coll.LoadJSONFile(config.Fixture); err != nil {
			return s, err
		}
		s.collection = coll
		recoveryTable = memory.New(config.RecoveryTable)

	default:
		return s, fmt.Errorf("%w: %q", ErrUnknownBackend, config.Backend)
	}

	s.recovery = recoveryTable
	if config.RecoveryFile != "" && !config.DryRun {
		w, err := archive.Create(config.RecoveryFile, config.Table)
		if err != nil {
			return s, err
		}
		s.cleanups = append(s.cleanups, func() {
			if err := w.Close(); err != nil {
				log.Error().Err(err).Str("path", config.RecoveryFile).Msg("failed to close recovery archive")
			}
		})
		s.recovery = w
	}

	if config.DryRun {
		s.collection = store.NewDryRun(s.collection)
		s.recovery = &store.DryRunRecovery{}
	}
	return s, nil
}
