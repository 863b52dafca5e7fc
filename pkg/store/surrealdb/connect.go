// Package surrealdb implements store.Collection on a SurrealDB table.
//
// Records are addressed by their record ID. Scans are ordered by id: the
// first page of a window is positioned with START, later pages continue
// from the last id seen, so a worker never rescans its own window when it
// removes records from it.
package surrealdb

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gws"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

// Transports accepted by Config.Transport.
const (
	TransportGWS       = "gws"
	TransportGorillaWS = "gorillaws"
)

// Config holds the connection settings.
type Config struct {
	// SurrealDB server endpoint (e.g., "ws://localhost:8000")
	Endpoint  string
	Username  string
	Password  string
	Namespace string
	Database  string
	// WebSocket implementation, TransportGWS by default
	Transport string
	// Keep the SDK's own logging
	Verbose bool
}

// Connect opens a connection, signs in and selects the namespace and
// database. The returned cleanup closes the connection.
func Connect(ctx context.Context, config Config, log zerolog.Logger) (*surrealdb.DB, func(), error) {
	u, err := url.ParseRequestURI(config.Endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse server endpoint: %w", err)
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	if !config.Verbose {
		conf.Logger = nil
	}

	var conn connection.Connection
	switch config.Transport {
	case "", TransportGWS:
		conn = gws.New(conf)
	case TransportGorillaWS:
		conn = gorillaws.New(conf)
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", config.Transport)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	cleanup := func() {
		if closeErr := db.Close(context.WithoutCancel(ctx)); closeErr != nil {
			log.Warn().Err(closeErr).Msg("failed to close database connection")
		}
	}

	_, err = db.SignIn(ctx, surrealdb.Auth{
		Username: config.Username,
		Password: config.Password,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := db.Use(ctx, config.Namespace, config.Database); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	return db, cleanup, nil
}
