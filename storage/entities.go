package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityTables names the business-entity tables the linker resolves against.
// Each table must expose id, user_id, and name columns.
type EntityTables struct {
	Deals     string
	Contacts  string
	Companies string
}

// DefaultEntityTables returns the conventional table names.
func DefaultEntityTables() EntityTables {
	return EntityTables{
		Deals:     "deals",
		Contacts:  "contacts",
		Companies: "companies",
	}
}

// PgEntityLookup resolves entity names to IDs with a case-insensitive
// substring match scoped to the user. It implements entity.Lookup.
type PgEntityLookup struct {
	pool   *pgxpool.Pool
	tables EntityTables
}

// NewPgEntityLookup creates an entity lookup over the given tables.
func NewPgEntityLookup(pool *pgxpool.Pool, tables EntityTables) *PgEntityLookup {
	return &PgEntityLookup{pool: pool, tables: tables}
}

// FindByNameSubstring returns the first entity of the given type whose name
// contains text, scoped to the user. A miss returns (nil, nil).
func (l *PgEntityLookup) FindByNameSubstring(ctx context.Context, userID uuid.UUID, entityType, text string) (*uuid.UUID, error) {
	var table string
	switch entityType {
	case "deal":
		table = l.tables.Deals
	case "contact":
		table = l.tables.Contacts
	case "company":
		table = l.tables.Companies
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	// First match wins; no ranking among multiple candidates.
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE user_id = $1 AND name ILIKE '%%' || $2 || '%%'
		ORDER BY created_at ASC
		LIMIT 1
	`, table)

	var id uuid.UUID
	err := l.pool.QueryRow(ctx, query, userID, text).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", entityType, err)
	}
	return &id, nil
}
