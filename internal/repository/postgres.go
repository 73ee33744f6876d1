package repository

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// postgresTarget fills the defaults for the pro-tier run store: a local
// "kestrel" database without TLS.
func postgresTarget(cfg domain.RepositoryConfig) (host string, port int, dbname, sslmode string) {
	host, port, dbname, sslmode = cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB, cfg.PostgresSSLMode
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = 5432
	}
	if dbname == "" {
		dbname = "kestrel"
	}
	if sslmode == "" {
		sslmode = "disable"
	}
	return host, port, dbname, sslmode
}

func postgresDSN(cfg domain.RepositoryConfig) string {
	host, port, dbname, sslmode := postgresTarget(cfg)
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host, port, cfg.PostgresUser, cfg.PostgresPassword, dbname, sslmode,
	)
}

// openPostgres connects to the database shared by every kestrel replica for
// runs, batch records, per-transaction results and audit events.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host, port, dbname, _ := postgresTarget(cfg)

	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s:%d/%s: %w", host, port, dbname, err)
	}

	slog.Info("run store opened",
		"component", "repository",
		"driver", "postgres",
		"host", host,
		"port", port,
		"database", dbname,
	)
	return db, nil
}
