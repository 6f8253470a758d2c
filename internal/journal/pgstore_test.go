package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/formsync/model"
)

// newTestPgStore connects to the database named by FORMSYNC_TEST_POSTGRES_DSN
// and skips the test when it is not set. Each test runs against a fresh
// table.
func newTestPgStore(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("FORMSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORMSYNC_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS form_saves"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	store := NewPgStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	// Migrating twice is harmless.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}
	return store
}

func TestPgStore_roundTrip(t *testing.T) {
	store := newTestPgStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "https://api/forms/a", t0)
	rec.Outcome = "invalid"
	rec.ErrorContexts = []model.ErrorContext{model.ContextVariables}
	rec.ValidationErrors = []*model.ValidationErrors{
		model.NewValidationErrors("Invalid input.", []model.FieldError{
			{Field: "0.key", Code: "unique", Message: "Key must be unique."},
		}).Tagged(model.ContextVariables),
	}
	rec.DurationMs = 42

	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	assertErrorCode(t, store.Append(ctx, rec), model.ErrConflict)

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Outcome != "invalid" || got.DurationMs != 42 {
		t.Errorf("record = %+v", got)
	}
	if len(got.ErrorContexts) != 1 || got.ErrorContexts[0] != model.ContextVariables {
		t.Errorf("error contexts = %v", got.ErrorContexts)
	}
	if len(got.ValidationErrors) != 1 || got.ValidationErrors[0].Errors[0].Field != "0.key" {
		t.Errorf("validation errors = %+v", got.ValidationErrors)
	}
	if !got.StartedAt.Equal(t0) {
		t.Errorf("started at = %v, want %v", got.StartedAt, t0)
	}

	_, err = store.Get(ctx, "missing")
	assertErrorCode(t, err, model.ErrNotFound)
}

func TestPgStore_listAndPrune(t *testing.T) {
	store := newTestPgStore(t)
	ctx := context.Background()

	for i, id := range []string{"r1", "r2", "r3"} {
		rec := testRecord(id, "https://api/forms/a", t0.Add(time.Duration(i)*time.Hour))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
	if err := store.Append(ctx, testRecord("other", "https://api/forms/b", t0)); err != nil {
		t.Fatalf("Append other: %v", err)
	}

	got, err := store.ListByForm(ctx, "https://api/forms/a", Filters{Limit: 2})
	if err != nil {
		t.Fatalf("ListByForm error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r3" || got[1].ID != "r2" {
		t.Errorf("page = %v", ids(got))
	}

	n, err := store.Prune(ctx, t0.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck error: %v", err)
	}
}

func ids(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
