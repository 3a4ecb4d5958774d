package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"qms/queue-sync/internal/bus"
	"qms/queue-sync/internal/config"
	"qms/queue-sync/internal/models"
	"qms/queue-sync/internal/natsserver"
	"qms/queue-sync/internal/store"
	"qms/queue-sync/internal/store/memory"
	"qms/queue-sync/internal/store/postgres"
	"qms/queue-sync/internal/store/sqlite"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// openStore returns the configured backend with its schema applied, plus a
// close func.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info().Msg("connected to postgres")
		return postgres.NewStore(pool), pool.Close, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", st.Path()).Msg("opened sqlite store")
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn().Err(err).Msg("close sqlite store")
			}
		}, nil
	default:
		logger.Warn().Msg("using in-memory store; queue state is lost on restart")
		return memory.New(), func() {}, nil
	}
}

// seedCounters upserts the counters listed in a JSON file.
func seedCounters(ctx context.Context, st store.CounterStore, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read counters file: %w", err)
	}
	var counters []models.Counter
	if err := json.Unmarshal(raw, &counters); err != nil {
		return 0, fmt.Errorf("decode counters file: %w", err)
	}
	for _, c := range counters {
		if c.ID == "" || c.FacilityID == "" {
			return 0, fmt.Errorf("counter %q needs id and facility_id", c.Name)
		}
		if c.Status == "" {
			c.Status = models.CounterActive
		}
		if err := st.UpsertCounter(ctx, c); err != nil {
			return 0, fmt.Errorf("upsert counter %s: %w", c.ID, err)
		}
	}
	return len(counters), nil
}

type natsBackend struct {
	conn    *nats.Conn
	channel *bus.NATSChannel
	server  *natsserver.Server
}

func (b *natsBackend) Close() {
	if b == nil {
		return
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
}

// connectNATS returns nil when neither NATS_URL nor NATS_EMBEDDED is set.
func connectNATS(cfg *config.Config, name string, logger zerolog.Logger) (*natsBackend, error) {
	backend := &natsBackend{}
	url := cfg.NATSURL
	if cfg.NATSEmbedded {
		srv, err := natsserver.Start(natsserver.Options{
			Port:      cfg.NATSPort,
			StoreDir:  cfg.NATSStoreDir,
			JetStream: cfg.NATSStoreDir != "",
		}, logger)
		if err != nil {
			return nil, err
		}
		backend.server = srv
		url = srv.ClientURL()
	}
	if url == "" {
		return nil, nil
	}
	conn, err := bus.ConnectNATS(url, name, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.conn = conn
	backend.channel = bus.NewNATSChannel(conn, logger)
	return backend, nil
}
