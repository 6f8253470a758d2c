package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/formsync/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testRecord(id, formURL string, started time.Time) Record {
	return Record{
		ID:        id,
		SubjectID: "designer-1",
		FormURL:   formURL,
		Outcome:   "saved",
		StartedAt: started,
	}
}

func assertErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		t.Fatalf("error = %v, want *model.ErrorEnvelope", err)
	}
	if env.Code != code {
		t.Errorf("code = %q, want %q", env.Code, code)
	}
}

func TestMemoryStore_appendAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := testRecord("r1", "https://api/forms/a", t0)
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.FormURL != rec.FormURL || got.SubjectID != rec.SubjectID {
		t.Errorf("got %+v, want %+v", got, rec)
	}
}

func TestMemoryStore_duplicateID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Append(ctx, testRecord("r1", "f", t0))
	err := store.Append(ctx, testRecord("r1", "f", t0))
	assertErrorCode(t, err, model.ErrConflict)
}

func TestMemoryStore_getNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	assertErrorCode(t, err, model.ErrNotFound)
}

func TestMemoryStore_listByForm(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rec := testRecord(fmt.Sprintf("r%d", i), "https://api/forms/a", t0.Add(time.Duration(i)*time.Minute))
		if i == 3 {
			rec.Outcome = "invalid"
		}
		_ = store.Append(ctx, rec)
	}
	_ = store.Append(ctx, testRecord("other", "https://api/forms/b", t0))

	all, err := store.ListByForm(ctx, "https://api/forms/a", Filters{})
	if err != nil {
		t.Fatalf("ListByForm error: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("len = %d, want 5", len(all))
	}
	if all[0].ID != "r4" || all[4].ID != "r0" {
		t.Errorf("order = %s..%s, want newest first", all[0].ID, all[4].ID)
	}

	page, _ := store.ListByForm(ctx, "https://api/forms/a", Filters{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].ID != "r3" || page[1].ID != "r2" {
		t.Errorf("page = %+v", page)
	}

	invalid, _ := store.ListByForm(ctx, "https://api/forms/a", Filters{Outcome: "invalid"})
	if len(invalid) != 1 || invalid[0].ID != "r3" {
		t.Errorf("invalid = %+v", invalid)
	}

	beyond, _ := store.ListByForm(ctx, "https://api/forms/a", Filters{Offset: 10})
	if len(beyond) != 0 {
		t.Errorf("beyond = %+v, want empty", beyond)
	}
}

func TestMemoryStore_prune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Append(ctx, testRecord("old", "f", t0))
	_ = store.Append(ctx, testRecord("new", "f", t0.Add(48*time.Hour)))

	n, err := store.Prune(ctx, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "old"); err == nil {
		t.Error("old record still present")
	}
	if _, err := store.Get(ctx, "new"); err != nil {
		t.Errorf("new record: %v", err)
	}
}
