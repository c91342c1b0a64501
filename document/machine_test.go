package document_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/store/memory"
)

var epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newMachine(t *testing.T, opts ...document.Option) (*document.Machine, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(epoch)
	opts = append([]document.Option{document.WithClock(clk)}, opts...)
	return document.NewMachine(memory.New(), opts...), clk
}

func create(t *testing.T, m *document.Machine, key string) {
	t.Helper()
	require.NoError(t, m.Create(context.Background(), &document.Record{
		TenantID:  "tenant-a",
		AccessKey: key,
		Number:    123,
		Series:    1,
	}))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to document.Status
		want     bool
	}{
		{document.StatusPending, document.StatusProcessing, true},
		{document.StatusPending, document.StatusError, true},
		{document.StatusPending, document.StatusCancelled, false},
		{document.StatusPending, document.StatusAuthorized, false},
		{document.StatusProcessing, document.StatusAuthorized, true},
		{document.StatusProcessing, document.StatusRejected, true},
		{document.StatusProcessing, document.StatusPending, false},
		{document.StatusError, document.StatusError, true},
		{document.StatusError, document.StatusRetryScheduled, true},
		{document.StatusRetryScheduled, document.StatusProcessing, true},
		{document.StatusRetryScheduled, document.StatusAuthorized, false},
		{document.StatusAuthorized, document.StatusCancelled, true},
		{document.StatusAuthorized, document.StatusRejected, false},
		{document.StatusRejected, document.StatusProcessing, false},
		{document.StatusCancelled, document.StatusAuthorized, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, document.CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []document.Status{document.StatusRejected, document.StatusCancelled, document.StatusVoided} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Transient(), s)
	}
	for _, s := range []document.Status{document.StatusPending, document.StatusProcessing, document.StatusError, document.StatusRetryScheduled} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Transient(), s)
	}
	assert.False(t, document.StatusAuthorized.Terminal())
	assert.False(t, document.StatusAuthorized.Transient())
}

func TestMachineHappyPath(t *testing.T) {
	ctx := context.Background()
	m, clk := newMachine(t)
	create(t, m, "k1")

	r, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, r.Status)
	assert.Equal(t, epoch, r.CreatedAt)

	clk.Advance(time.Second)
	r, err = m.Transition(ctx, "k1", document.StatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, document.StatusProcessing, r.Status)
	assert.Equal(t, epoch.Add(time.Second), r.UpdatedAt)

	r, err = m.Authorize(ctx, "k1", "135240000000001", []byte("<signed/>"))
	require.NoError(t, err)
	assert.Equal(t, document.StatusAuthorized, r.Status)
	assert.Equal(t, "135240000000001", r.Protocol)

	r, err = m.Cancel(ctx, "k1", "135240000000002", "issued by mistake")
	require.NoError(t, err)
	assert.Equal(t, document.StatusCancelled, r.Status)
	assert.Equal(t, "135240000000002", r.CancelProtocol)
	require.Len(t, r.Events, 1)
	assert.Equal(t, document.EventCancellation, r.Events[0].Type)
	assert.Equal(t, 1, r.Events[0].Sequence)
	assert.Equal(t, int64(3), r.Version)
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)
	create(t, m, "k1")

	_, err := m.Cancel(ctx, "k1", "p", "r")
	require.ErrorIs(t, err, fiscal.ErrInvalidTransition)

	r, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, document.StatusPending, r.Status, "record must be unchanged")
	assert.Equal(t, int64(0), r.Version)

	_, err = m.Transition(ctx, "missing", document.StatusProcessing, "")
	require.ErrorIs(t, err, fiscal.ErrDocumentNotFound)
}

func TestMachineAttemptFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, document.WithMaxErrors(2))
	create(t, m, "k1")

	_, err := m.Transition(ctx, "k1", document.StatusProcessing, "")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		r, err := m.RecordAttemptFailure(ctx, "k1", fmt.Sprintf("timeout %d", i))
		require.NoError(t, err)
		assert.Equal(t, document.StatusError, r.Status)
		assert.Equal(t, i, r.AttemptCount)
	}

	r, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []string{"timeout 2", "timeout 3"}, r.Errors, "error history is capped")

	at := epoch.Add(20 * time.Second)
	r, err = m.ScheduleRetry(ctx, "k1", at)
	require.NoError(t, err)
	assert.Equal(t, document.StatusRetryScheduled, r.Status)
	assert.Equal(t, at, r.NextAttemptAt)

	r, err = m.Transition(ctx, "k1", document.StatusProcessing, "")
	require.NoError(t, err)
	r, err = m.Reject(ctx, "k1", "duplicate number")
	require.NoError(t, err)
	assert.Equal(t, document.StatusRejected, r.Status)
	assert.True(t, r.NextAttemptAt.IsZero())
	assert.True(t, r.Status.Terminal())
}

func TestMachineAppendEvent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)
	create(t, m, "k1")

	_, err := m.AppendEvent(ctx, "k1", document.Event{Type: document.EventCorrectionLetter, Text: "fix"})
	require.ErrorIs(t, err, fiscal.ErrInvalidTransition)

	_, err = m.Transition(ctx, "k1", document.StatusProcessing, "")
	require.NoError(t, err)
	_, err = m.Authorize(ctx, "k1", "p", nil)
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		r, err := m.AppendEvent(ctx, "k1", document.Event{Type: document.EventCorrectionLetter, Text: "fix"})
		require.NoError(t, err)
		last := r.Events[len(r.Events)-1]
		assert.Equal(t, want, last.Sequence)
		assert.Equal(t, document.StatusAuthorized, r.Status)
	}
}

// conflictStore fails the first n swaps with ErrStaleState.
type conflictStore struct {
	document.Store
	remaining atomic.Int32
	swaps     atomic.Int32
}

func (s *conflictStore) SwapDocument(ctx context.Context, r *document.Record, expected int64) error {
	s.swaps.Add(1)
	if s.remaining.Add(-1) >= 0 {
		return fiscal.ErrStaleState
	}
	return s.Store.SwapDocument(ctx, r, expected)
}

func TestMachineRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	cs := &conflictStore{Store: memory.New()}
	m := document.NewMachine(cs, document.WithClock(clock.NewFake(epoch)), document.WithMaxConflictRetries(3))
	create(t, m, "k1")

	cs.remaining.Store(2)
	r, err := m.Transition(ctx, "k1", document.StatusProcessing, "")
	require.NoError(t, err)
	assert.Equal(t, document.StatusProcessing, r.Status)
	assert.Equal(t, int32(3), cs.swaps.Load())
	assert.Equal(t, 0, r.AttemptCount, "conflicts do not count as attempts")

	cs.swaps.Store(0)
	cs.remaining.Store(10)
	_, err = m.Transition(ctx, "k1", document.StatusAuthorized, "")
	require.ErrorIs(t, err, fiscal.ErrStaleState)
	assert.Equal(t, int32(4), cs.swaps.Load())
}

func TestMachineConcurrentFailures(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t, document.WithMaxErrors(100))
	create(t, m, "k1")
	_, err := m.Transition(ctx, "k1", document.StatusError, "")
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RecordAttemptFailure(ctx, "k1", fmt.Sprintf("err %d", i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r, err := m.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, n, r.AttemptCount, "no lost updates")
	assert.Len(t, r.Errors, n)
}

func TestMachineUpdateCallbackError(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(t)
	create(t, m, "k1")

	boom := errors.New("boom")
	_, err := m.Update(ctx, "k1", func(*document.Record) error { return boom })
	require.ErrorIs(t, err, boom)
}
