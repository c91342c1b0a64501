package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker/memory"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/dispatcher"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/retry"
	memstore "github.com/xraph/fiscal/store/memory"
	"github.com/xraph/fiscal/workitem"
)

const accessKey = "35240111222333000181550010000001231234567815"

var epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctrl    *retry.Controller
	broker  *memory.Broker
	disp    *dispatcher.Dispatcher
	machine *document.Machine
	clock   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	table := lane.DefaultTable()

	b := memory.New(memory.WithClock(clk))
	for _, cfg := range table.Configs() {
		require.NoError(t, b.Declare(ctx, cfg))
	}

	machine := document.NewMachine(memstore.New(), document.WithClock(clk))
	require.NoError(t, machine.Create(ctx, &document.Record{TenantID: "T1", AccessKey: accessKey}))
	_, err := machine.Transition(ctx, accessKey, document.StatusProcessing, "")
	require.NoError(t, err)

	disp := dispatcher.New(table, b, dispatcher.WithClock(clk))
	ctrl := retry.NewController(fiscal.DefaultConfig().Retry, disp,
		retry.WithDocuments(machine),
		retry.WithClock(clk),
	)
	return &fixture{ctrl: ctrl, broker: b, disp: disp, machine: machine, clock: clk}
}

func issueItem(t *testing.T, f *fixture) *workitem.WorkItem {
	t.Helper()
	item, err := f.disp.Publish(context.Background(), workitem.OpIssue, workitem.PriorityHigh, "T1", accessKey, []byte(`{}`))
	require.NoError(t, err)
	return item
}

func TestStrategyLadder(t *testing.T) {
	s := retry.Strategy(fiscal.DefaultConfig().Retry)
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		5 * time.Minute, 10 * time.Minute, 20 * time.Minute,
	}
	for i, w := range want {
		assert.Equal(t, w, s.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 1, s.Tier(3))
	assert.Equal(t, 2, s.Tier(4))
}

func TestStrategyTierOneCap(t *testing.T) {
	cfg := fiscal.DefaultConfig().Retry
	cfg.MaxInLaneAttempts = 10
	s := retry.Strategy(cfg)
	assert.Equal(t, time.Minute, s.Delay(5), "tier 1 is capped at MaxDelay")
}

func TestEscalationLadder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := issueItem(t, f)
	failErr := errors.New("connection timeout")

	type step struct {
		action retry.Action
		tier   int
		delay  time.Duration
	}
	steps := []step{
		{retry.ActionRetry, 1, 5 * time.Second},
		{retry.ActionRetry, 1, 10 * time.Second},
		{retry.ActionRetry, 1, 20 * time.Second},
		{retry.ActionRetry, 2, 5 * time.Minute},
		{retry.ActionRetry, 2, 10 * time.Minute},
		{retry.ActionDeadLetter, 0, 0},
	}

	current := item
	for i, want := range steps {
		d, err := f.ctrl.OnFailure(ctx, current, failErr)
		require.NoError(t, err, "failure %d", i+1)
		assert.Equal(t, want.action, d.Action, "failure %d", i+1)
		assert.Equal(t, want.tier, d.Tier, "failure %d", i+1)
		assert.Equal(t, want.delay, d.Delay, "failure %d", i+1)
		assert.Equal(t, i+1, d.Attempt, "attempt counts are monotonic")
		assert.Equal(t, failure.ClassTransient, d.Class)

		if d.Action == retry.ActionDeadLetter {
			break
		}

		msgs := f.broker.Messages(lane.Retry)
		require.Len(t, msgs, 1)
		next := msgs[0].Item
		assert.Equal(t, i+1, next.AttemptCount)
		assert.Equal(t, epoch.Add(want.delay), next.NextAttemptAt)
		assert.Equal(t, epoch.Add(want.delay), msgs[0].VisibleAt)
		assert.Equal(t, lane.IssueHigh, next.Meta(workitem.MetaOriginLane))
		assert.Equal(t, "connection timeout", next.Meta(workitem.MetaLastError))

		// Consume it from the retry lane as a consumer would.
		f.clock.Set(next.NextAttemptAt)
		ds, err := f.broker.Receive(ctx, lane.Retry, 1)
		require.NoError(t, err)
		require.Len(t, ds, 1)
		require.NoError(t, ds[0].Ack(ctx))
		current = ds[0].Item
		f.clock.Set(epoch)

		_, err = f.machine.Transition(ctx, accessKey, document.StatusProcessing, "")
		require.NoError(t, err)
	}

	dlq := f.broker.Messages(lane.DeadLetter)
	require.Len(t, dlq, 1)
	dead := dlq[0].Item
	assert.Equal(t, 6, dead.AttemptCount)
	assert.Equal(t, "connection timeout", dead.Meta(workitem.MetaReason))
	assert.Equal(t, string(failure.ClassTransient), dead.Meta(workitem.MetaClass))
	assert.Equal(t, lane.IssueHigh, dead.Meta(workitem.MetaOriginLane))
	assert.Empty(t, f.broker.Messages(lane.Retry))

	rec, err := f.machine.Get(ctx, accessKey)
	require.NoError(t, err)
	assert.Equal(t, 6, rec.AttemptCount)
	assert.Equal(t, document.StatusError, rec.Status)
	assert.Len(t, rec.Errors, 6)
}

func TestPermanentFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := issueItem(t, f)

	d, err := f.ctrl.OnFailure(ctx, item, failure.Permanent(errors.New("schema mismatch"), "sign"))
	require.NoError(t, err)
	assert.Equal(t, retry.ActionDeadLetter, d.Action)
	assert.Equal(t, 1, d.Attempt)
	assert.Empty(t, f.broker.Messages(lane.Retry))
	require.Len(t, f.broker.Messages(lane.DeadLetter), 1)
	assert.Equal(t, string(failure.ClassPermanent), f.broker.Messages(lane.DeadLetter)[0].Item.Meta(workitem.MetaClass))
	assert.Equal(t, 0, item.AttemptCount, "input item is not modified")
}

func TestDocumentScheduledForRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := issueItem(t, f)

	d, err := f.ctrl.OnFailure(ctx, item, errors.New("service unavailable"))
	require.NoError(t, err)

	rec, err := f.machine.Get(ctx, accessKey)
	require.NoError(t, err)
	assert.Equal(t, document.StatusRetryScheduled, rec.Status)
	assert.Equal(t, d.NextAttemptAt, rec.NextAttemptAt)
	assert.Equal(t, 1, rec.AttemptCount)
}

func TestNonIssueItemsSkipDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	item, err := f.disp.Publish(ctx, workitem.OpQueryStatus, "", "T1", accessKey, nil)
	require.NoError(t, err)
	_, err = f.ctrl.OnFailure(ctx, item, errors.New("network unreachable"))
	require.NoError(t, err)

	rec, err := f.machine.Get(ctx, accessKey)
	require.NoError(t, err)
	assert.Equal(t, document.StatusProcessing, rec.Status)
	assert.Equal(t, 0, rec.AttemptCount)
	require.Len(t, f.broker.Messages(lane.Retry), 1)
	assert.Equal(t, lane.Query, f.broker.Messages(lane.Retry)[0].Item.Meta(workitem.MetaOriginLane))
}

func TestReinject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := issueItem(t, f)
	_, err := f.machine.RecordAttemptFailure(ctx, accessKey, "timeout")
	require.NoError(t, err)

	item.AttemptCount = 0
	at := epoch.Add(30 * time.Minute)
	require.NoError(t, f.ctrl.Reinject(ctx, item, at))

	msgs := f.broker.Messages(lane.Retry)
	require.Len(t, msgs, 1)
	assert.Equal(t, at, msgs[0].VisibleAt)
	assert.Equal(t, 0, msgs[0].Item.AttemptCount)

	rec, err := f.machine.Get(ctx, accessKey)
	require.NoError(t, err)
	assert.Equal(t, document.StatusRetryScheduled, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount, "document attempts never decrease")
}
