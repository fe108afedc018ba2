package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"alertrelay/pkg/db"
)

func newGormLedgerStore(t *testing.T) *GormLedgerStore {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_DB_DSN not set")
	}
	ctx := context.Background()

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	orm, err := db.OpenGorm(dsn)
	if err != nil {
		t.Fatalf("OpenGorm() error = %v", err)
	}
	return NewGormLedgerStore(orm)
}

func TestGormLedgerStoreRecordIsIdempotent(t *testing.T) {
	store := newGormLedgerStore(t)
	ctx := context.Background()

	// A fresh identifier keeps runs against a shared database apart.
	id := uuid.NewString() + "@acme.com"
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	e := Entry{Identifier: id, NotificationID: 42, CreatedAt: t0, Payload: []byte(`{"title":"hi"}`)}
	t.Cleanup(func() { _ = store.Forget(context.Background(), []Entry{e}) })

	for i := 0; i < 2; i++ {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record() #%d error = %v", i+1, err)
		}
	}

	entries, err := store.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("LoadEntries() error = %v", err)
	}
	var mine []Entry
	for _, got := range entries {
		if got.Identifier == id {
			mine = append(mine, got)
		}
	}
	if len(mine) != 1 {
		t.Fatalf("entries for %s = %d, want 1", id, len(mine))
	}
	if mine[0].NotificationID != 42 || !mine[0].CreatedAt.Equal(t0) {
		t.Fatalf("entry = %+v", mine[0])
	}

	if err := store.Forget(ctx, []Entry{e}); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	entries, err = store.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("LoadEntries() error = %v", err)
	}
	for _, got := range entries {
		if got.Identifier == id {
			t.Fatalf("entry still present after Forget: %+v", got)
		}
	}
}
