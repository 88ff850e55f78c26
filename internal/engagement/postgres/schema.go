// Package postgres stores engagement records in PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL for the engagement tables.
func Schema() string {
	return schema
}

// EnsureSchema creates missing engagement tables and indexes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("engagement/postgres: ensure schema: %w", err)
	}
	return nil
}
