// Package database persists test outcomes to Postgres through bun.
// Persistence is optional: the engine runs fine without a database, and
// the command layer only opens one when configured.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/viper"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"proxy-speedtest/pkg/models"
)

type DB struct {
	*bun.DB
}

// NewDB opens a connection using the database.* viper keys and verifies
// it with a ping.
func NewDB() (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		viper.GetString("database.user"),
		viper.GetString("database.password"),
		viper.GetString("database.host"),
		viper.GetInt("database.port"),
		viper.GetString("database.dbname"),
		viper.GetString("database.sslmode"),
	)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// InitSchema creates the outcomes table if it doesn't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.OutcomeRecord)(nil)).
		IfNotExists().
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("failed to create outcomes table: %v", err)
	}

	return nil
}

// InsertOutcomes flattens and stores every outcome of a session in one
// insert.
func (db *DB) InsertOutcomes(ctx context.Context, session *models.Session, outcomes []models.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	records := make([]*models.OutcomeRecord, len(outcomes))
	for i := range outcomes {
		records[i] = models.NewOutcomeRecord(session.ID, session.Strategy, &outcomes[i])
	}

	_, err := db.NewInsert().
		Model(&records).
		Exec(ctx)

	if err != nil {
		return fmt.Errorf("error inserting outcomes: %v", err)
	}

	return nil
}

// GetOutcomesBySession returns the stored outcomes of one session in
// insertion order.
func (db *DB) GetOutcomesBySession(ctx context.Context, sessionID string) ([]models.OutcomeRecord, error) {
	var records []models.OutcomeRecord
	err := db.NewSelect().
		Model(&records).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Scan(ctx)

	if err != nil {
		return nil, fmt.Errorf("error retrieving outcomes: %v", err)
	}

	return records, nil
}
