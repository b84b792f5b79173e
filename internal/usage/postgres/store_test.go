package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/usage/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ANNOTATOR_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ANNOTATOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANNOTATOR_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS usage_events"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_RecordAndSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)

	events := []usage.Event{
		{Operation: usage.OpAnnotate, Success: true, ProcessingTime: 100 * time.Millisecond,
			Metadata: map[string]string{usage.MetaLanguage: "ja", usage.MetaCorrected: "true"}},
		{Operation: usage.OpAnnotate, Success: false, ProcessingTime: 300 * time.Millisecond,
			Metadata: map[string]string{usage.MetaLanguage: "ja", usage.MetaCorrected: "false"}},
		{Operation: usage.OpAnnotate, Success: true, ProcessingTime: 50 * time.Millisecond,
			Metadata: map[string]string{usage.MetaLanguage: "zh"}},
	}
	for _, e := range events {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rows, err := store.Summary(ctx, start)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want 2", rows)
	}
	ja := rows[0]
	if ja.Language != "ja" || ja.Total != 2 || ja.Succeeded != 1 {
		t.Errorf("ja row = %+v", ja)
	}
	if ja.MeanDuration != 200*time.Millisecond {
		t.Errorf("mean = %v, want 200ms", ja.MeanDuration)
	}
	if ja.CorrectedRate != 0.5 {
		t.Errorf("corrected rate = %v, want 0.5", ja.CorrectedRate)
	}

	later, err := store.Summary(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(later) != 0 {
		t.Errorf("future window rows = %+v", later)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
