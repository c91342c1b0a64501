package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/workitem"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Document Store tests
// ──────────────────────────────────────────────────

func newRecord(key string, status document.Status, updated time.Time) *document.Record {
	return &document.Record{
		Entity:    fiscal.Entity{CreatedAt: updated, UpdatedAt: updated},
		TenantID:  "tenant-a",
		AccessKey: key,
		Number:    1,
		Series:    1,
		Status:    status,
		Payload:   json.RawMessage(`{"total":10}`),
	}
}

func TestCreateAndGetDocument(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRecord("k1", document.StatusPending, time.Now())
	if err := s.CreateDocument(ctx, r); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "k1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != document.StatusPending || got.TenantID != "tenant-a" {
		t.Errorf("unexpected record: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Errors = append(got.Errors, "mutated")
	again, _ := s.GetDocument(ctx, "k1")
	if len(again.Errors) != 0 {
		t.Errorf("store returned shared record")
	}

	if err := s.CreateDocument(ctx, r); !errors.Is(err, fiscal.ErrDuplicateDocument) {
		t.Errorf("duplicate create: got %v", err)
	}
	if _, err := s.GetDocument(ctx, "missing"); !errors.Is(err, fiscal.ErrDocumentNotFound) {
		t.Errorf("missing get: got %v", err)
	}
}

func TestSwapDocumentVersion(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_ = s.CreateDocument(ctx, newRecord("k1", document.StatusPending, time.Now()))

	r, _ := s.GetDocument(ctx, "k1")
	r.Status = document.StatusProcessing
	if err := s.SwapDocument(ctx, r, 0); err != nil {
		t.Fatalf("SwapDocument: %v", err)
	}
	if r.Version != 1 {
		t.Errorf("version = %d, want 1", r.Version)
	}

	stale := newRecord("k1", document.StatusError, time.Now())
	if err := s.SwapDocument(ctx, stale, 0); !errors.Is(err, fiscal.ErrStaleState) {
		t.Errorf("stale swap: got %v", err)
	}
	if err := s.SwapDocument(ctx, newRecord("nope", document.StatusError, time.Now()), 0); !errors.Is(err, fiscal.ErrDocumentNotFound) {
		t.Errorf("missing swap: got %v", err)
	}
}

func TestSwapDocumentConcurrent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	_ = s.CreateDocument(ctx, newRecord("k1", document.StatusPending, time.Now()))

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := newRecord("k1", document.StatusProcessing, time.Now())
			if err := s.SwapDocument(ctx, r, 0); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestListDocumentsByStatus(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	_ = s.CreateDocument(ctx, newRecord("k3", document.StatusProcessing, base.Add(3*time.Minute)))
	_ = s.CreateDocument(ctx, newRecord("k1", document.StatusProcessing, base.Add(time.Minute)))
	_ = s.CreateDocument(ctx, newRecord("k2", document.StatusProcessing, base.Add(2*time.Minute)))
	_ = s.CreateDocument(ctx, newRecord("k4", document.StatusAuthorized, base))

	got, err := s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{})
	if err != nil {
		t.Fatalf("ListDocumentsByStatus: %v", err)
	}
	if len(got) != 3 || got[0].AccessKey != "k1" || got[2].AccessKey != "k3" {
		t.Fatalf("unexpected order: %v", keys(got))
	}

	got, _ = s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{
		UpdatedBefore: base.Add(150 * time.Second),
	})
	if len(got) != 2 {
		t.Errorf("UpdatedBefore: got %v", keys(got))
	}

	got, _ = s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{Limit: 1})
	if len(got) != 1 {
		t.Errorf("Limit: got %d records", len(got))
	}

	got, _ = s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{TenantID: "other"})
	if len(got) != 0 {
		t.Errorf("TenantID filter: got %v", keys(got))
	}
}

func keys(rs []*document.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.AccessKey)
	}
	return out
}

func TestVoidRange(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	v := &document.VoidRange{TenantID: "t", Series: 1, First: 10, Last: 20, Status: document.VoidPending}
	if err := s.SaveVoidRange(ctx, v); err != nil {
		t.Fatalf("SaveVoidRange: %v", err)
	}
	v.Status = document.VoidVoided
	_ = s.SaveVoidRange(ctx, v)

	got, err := s.GetVoidRange(ctx, v.Key())
	if err != nil {
		t.Fatalf("GetVoidRange: %v", err)
	}
	if got.Status != document.VoidVoided {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := s.GetVoidRange(ctx, "missing"); !errors.Is(err, fiscal.ErrVoidRangeNotFound) {
		t.Errorf("missing: got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Dead-letter Store tests
// ──────────────────────────────────────────────────

func newEntry(tenant string, class failure.Class, failedAt time.Time) *deadletter.Entry {
	return &deadletter.Entry{
		ID:        id.NewDLQID(),
		ItemID:    id.NewWorkItemID(),
		TenantID:  tenant,
		Operation: workitem.OpIssue,
		Priority:  workitem.PriorityNormal,
		Reason:    "boom",
		Class:     class,
		Metadata:  map[string]string{"k": "v"},
		State:     deadletter.StateOpen,
		FailedAt:  failedAt,
		CreatedAt: failedAt,
	}
}

func TestDeadLetterCRUD(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	e := newEntry("t1", failure.ClassTransient, time.Now())
	if err := s.PushDeadLetter(ctx, e); err != nil {
		t.Fatalf("PushDeadLetter: %v", err)
	}

	got, err := s.GetDeadLetter(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	got.Metadata["k"] = "mutated"
	again, _ := s.GetDeadLetter(ctx, e.ID)
	if again.Metadata["k"] != "v" {
		t.Errorf("store returned shared metadata")
	}

	got.State = deadletter.StateReplayed
	if err := s.UpdateDeadLetter(ctx, got); err != nil {
		t.Fatalf("UpdateDeadLetter: %v", err)
	}
	again, _ = s.GetDeadLetter(ctx, e.ID)
	if again.State != deadletter.StateReplayed {
		t.Errorf("state = %s", again.State)
	}

	if err := s.DeleteDeadLetter(ctx, e.ID); err != nil {
		t.Fatalf("DeleteDeadLetter: %v", err)
	}
	if _, err := s.GetDeadLetter(ctx, e.ID); !errors.Is(err, fiscal.ErrDeadLetterNotFound) {
		t.Errorf("after delete: got %v", err)
	}
	if err := s.DeleteDeadLetter(ctx, e.ID); !errors.Is(err, fiscal.ErrDeadLetterNotFound) {
		t.Errorf("double delete: got %v", err)
	}
	if err := s.UpdateDeadLetter(ctx, e); !errors.Is(err, fiscal.ErrDeadLetterNotFound) {
		t.Errorf("update missing: got %v", err)
	}
}

func TestListDeadLetters(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	old := newEntry("t1", failure.ClassPermanent, base)
	mid := newEntry("t2", failure.ClassTransient, base.Add(time.Minute))
	recent := newEntry("t1", failure.ClassTransient, base.Add(2*time.Minute))
	for _, e := range []*deadletter.Entry{old, mid, recent} {
		_ = s.PushDeadLetter(ctx, e)
	}

	got, _ := s.ListDeadLetters(ctx, deadletter.ListOpts{})
	if len(got) != 3 || got[0].ID != recent.ID || got[2].ID != old.ID {
		t.Fatalf("expected newest first")
	}

	got, _ = s.ListDeadLetters(ctx, deadletter.ListOpts{TenantID: "t1"})
	if len(got) != 2 {
		t.Errorf("tenant filter: got %d", len(got))
	}
	got, _ = s.ListDeadLetters(ctx, deadletter.ListOpts{Class: failure.ClassTransient})
	if len(got) != 2 {
		t.Errorf("class filter: got %d", len(got))
	}
	got, _ = s.ListDeadLetters(ctx, deadletter.ListOpts{Offset: 1, Limit: 1})
	if len(got) != 1 || got[0].ID != mid.ID {
		t.Errorf("paging: unexpected result")
	}
	got, _ = s.ListDeadLetters(ctx, deadletter.ListOpts{Offset: 10})
	if len(got) != 0 {
		t.Errorf("offset beyond end: got %d", len(got))
	}

	n, _ := s.CountDeadLetters(ctx)
	if n != 3 {
		t.Errorf("count = %d", n)
	}

	purged, err := s.PurgeDeadLetters(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("PurgeDeadLetters: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}
	n, _ = s.CountDeadLetters(ctx)
	if n != 1 {
		t.Errorf("count after purge = %d", n)
	}
}
