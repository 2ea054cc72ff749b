// Package testutil provides test utilities for memorypg
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDB wraps a PostgreSQL connection pool for testing
type TestDB struct {
	Pool *pgxpool.Pool
}

// NewTestDB creates a test database connection from DATABASE_URL env var.
// Skips the test if DATABASE_URL is not set.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ping database: %v", err)
	}

	return &TestDB{Pool: pool}
}

// Close closes the database connection
func (db *TestDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanTables truncates all tables for test isolation
func (db *TestDB) CleanTables(ctx context.Context) error {
	tables := []string{
		"memorypg_memories",
		"memorypg_summaries",
		"memorypg_messages",
		"memorypg_conversations",
	}

	for _, table := range tables {
		_, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	return nil
}

// SetupTestConversation creates a primary conversation for a fresh user and
// returns both IDs.
func (db *TestDB) SetupTestConversation(ctx context.Context, t *testing.T) (userID, conversationID uuid.UUID) {
	t.Helper()

	userID = uuid.New()
	conversationID = uuid.New()

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO memorypg_conversations (id, user_id, is_primary, total_tokens_estimate, created_at, updated_at)
		VALUES ($1, $2, TRUE, 0, NOW(), NOW())
	`, conversationID, userID)
	if err != nil {
		t.Fatalf("Failed to create test conversation: %v", err)
	}

	return userID, conversationID
}
