package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	pgstore "github.com/xraph/fiscal/store/postgres"
	"github.com/xraph/fiscal/workitem"
)

// setupTestStore connects to FISCAL_TEST_POSTGRES_DSN, migrates and
// truncates the fiscal tables.
func setupTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("FISCAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FISCAL_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := pgstore.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations must be idempotent")

	_, err = s.Pool().Exec(ctx, `TRUNCATE fiscal_documents, fiscal_void_ranges, fiscal_dead_letters`)
	require.NoError(t, err)
	return s
}

func TestMigrateCreatesSchema(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"fiscal_documents", "fiscal_void_ranges", "fiscal_dead_letters"} {
		var exists bool
		err := s.Pool().QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s", table)
	}
}

func TestMigrateWithoutGroveDB(t *testing.T) {
	s := pgstore.NewFromPool(nil)
	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WithGroveDB")
}

func newRecord(key string, status document.Status, at time.Time) *document.Record {
	return &document.Record{
		Entity:    fiscal.Entity{CreatedAt: at, UpdatedAt: at},
		TenantID:  "tenant-a",
		AccessKey: key,
		Number:    123,
		Series:    1,
		Status:    status,
		Payload:   json.RawMessage(`{"total":10}`),
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := newRecord("k1", document.StatusPending, now)
	require.NoError(t, s.CreateDocument(ctx, r))
	assert.ErrorIs(t, s.CreateDocument(ctx, r), fiscal.ErrDuplicateDocument)

	got, err := s.GetDocument(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, got.Status)
	assert.JSONEq(t, `{"total":10}`, string(got.Payload))
	assert.True(t, got.NextAttemptAt.IsZero())
	assert.Nil(t, got.Errors)

	got.Status = document.StatusAuthorized
	got.Protocol = "135240000000001"
	got.Errors = []string{"timeout"}
	got.Events = []document.Event{{Type: document.EventCorrectionLetter, Sequence: 1, Text: "fix", CreatedAt: now}}
	got.NextAttemptAt = now.Add(time.Minute)
	got.UpdatedAt = now.Add(time.Second)
	require.NoError(t, s.SwapDocument(ctx, got, 0))
	assert.Equal(t, int64(1), got.Version)

	again, err := s.GetDocument(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Version)
	assert.Equal(t, []string{"timeout"}, again.Errors)
	require.Len(t, again.Events, 1)
	assert.Equal(t, document.EventCorrectionLetter, again.Events[0].Type)
	assert.True(t, now.Add(time.Minute).Equal(again.NextAttemptAt))

	assert.ErrorIs(t, s.SwapDocument(ctx, newRecord("k1", document.StatusError, now), 0), fiscal.ErrStaleState)
	assert.ErrorIs(t, s.SwapDocument(ctx, newRecord("nope", document.StatusError, now), 0), fiscal.ErrDocumentNotFound)

	_, err = s.GetDocument(ctx, "nope")
	assert.ErrorIs(t, err, fiscal.ErrDocumentNotFound)
}

func TestSwapDocumentConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateDocument(ctx, newRecord("k1", document.StatusPending, time.Now().UTC())))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.SwapDocument(ctx, newRecord("k1", document.StatusProcessing, time.Now().UTC()), 0) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestListDocumentsByStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, key := range []string{"a", "b", "c"} {
		r := newRecord(key, document.StatusProcessing, base.Add(time.Duration(i)*time.Minute))
		if key == "b" {
			r.TenantID = "tenant-b"
		}
		require.NoError(t, s.CreateDocument(ctx, r))
	}
	require.NoError(t, s.CreateDocument(ctx, newRecord("d", document.StatusPending, base)))

	all, err := s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].AccessKey)

	tenant, err := s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{TenantID: "tenant-a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, tenant, 1)
	assert.Equal(t, "a", tenant[0].AccessKey)

	stale, err := s.ListDocumentsByStatus(ctx, document.StatusProcessing, document.ListOpts{UpdatedBefore: base.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestVoidRangeUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	v := &document.VoidRange{
		Entity:        fiscal.NewEntity(time.Now().UTC()),
		TenantID:      "tenant-a",
		TaxpayerID:    "11222333000181",
		Series:        2,
		First:         5,
		Last:          9,
		Justification: "numbering gap after outage",
		Status:        document.VoidPending,
	}
	_, err := s.GetVoidRange(ctx, v.Key())
	assert.ErrorIs(t, err, fiscal.ErrVoidRangeNotFound)

	require.NoError(t, s.SaveVoidRange(ctx, v))
	v.Status = document.VoidVoided
	v.Protocol = "P-1"
	require.NoError(t, s.SaveVoidRange(ctx, v))

	got, err := s.GetVoidRange(ctx, v.Key())
	require.NoError(t, err)
	assert.Equal(t, document.VoidVoided, got.Status)
	assert.Equal(t, "P-1", got.Protocol)
	assert.Equal(t, 9, got.Last)
}

func newEntry(tenant string, class failure.Class, failedAt time.Time) *deadletter.Entry {
	return &deadletter.Entry{
		ID:             id.NewDLQID(),
		ItemID:         id.NewWorkItemID(),
		TenantID:       tenant,
		CorrelationKey: "35240111222333000181550010000001231234567815",
		Operation:      workitem.OpIssue,
		Priority:       workitem.PriorityHigh,
		OriginLane:     "fiscal.issue.high",
		Payload:        json.RawMessage(`{"series":1}`),
		Reason:         "connection refused",
		Class:          class,
		AttemptCount:   6,
		Metadata:       map[string]string{"origin": "retry"},
		State:          deadletter.StateOpen,
		FailedAt:       failedAt,
		CreatedAt:      failedAt,
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	old := newEntry("tenant-a", failure.ClassPermanent, now.Add(-48*time.Hour))
	recent := newEntry("tenant-a", failure.ClassTransient, now)
	other := newEntry("tenant-b", failure.ClassTransient, now.Add(-time.Hour))
	for _, e := range []*deadletter.Entry{old, recent, other} {
		require.NoError(t, s.PushDeadLetter(ctx, e))
	}

	all, err := s.ListDeadLetters(ctx, deadletter.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, recent.ID, all[0].ID)

	filtered, err := s.ListDeadLetters(ctx, deadletter.ListOpts{TenantID: "tenant-a", Class: failure.ClassTransient})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "retry", filtered[0].Metadata["origin"])

	at := now.Add(30 * time.Minute)
	recent.State = deadletter.StateRecovering
	recent.RecoverAt = &at
	recent.Recoveries = 1
	require.NoError(t, s.UpdateDeadLetter(ctx, recent))

	got, err := s.GetDeadLetter(ctx, recent.ID)
	require.NoError(t, err)
	assert.Equal(t, deadletter.StateRecovering, got.State)
	require.NotNil(t, got.RecoverAt)
	assert.True(t, at.Equal(*got.RecoverAt))

	purged, err := s.PurgeDeadLetters(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	require.NoError(t, s.DeleteDeadLetter(ctx, other.ID))
	assert.ErrorIs(t, s.DeleteDeadLetter(ctx, other.ID), fiscal.ErrDeadLetterNotFound)
	assert.ErrorIs(t, s.UpdateDeadLetter(ctx, other), fiscal.ErrDeadLetterNotFound)

	n, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
