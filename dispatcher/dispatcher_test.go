package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker/memory"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/dispatcher"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/scope"
	"github.com/xraph/fiscal/workitem"
)

const (
	accessKey  = "35240111222333000181550010000001231234567815"
	taxpayerID = "11222333000181"
)

var epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

type publishedLog struct {
	items []*workitem.WorkItem
}

func (p *publishedLog) Name() string { return "published-log" }

func (p *publishedLog) OnItemPublished(_ context.Context, item *workitem.WorkItem) error {
	p.items = append(p.items, item)
	return nil
}

func setup(t *testing.T) (*dispatcher.Dispatcher, *memory.Broker, *publishedLog) {
	t.Helper()
	table := lane.DefaultTable()
	b := memory.New(memory.WithClock(clock.NewFake(epoch)))
	for _, cfg := range table.Configs() {
		require.NoError(t, b.Declare(context.Background(), cfg))
	}

	log := &publishedLog{}
	reg := ext.NewRegistry(nil)
	reg.Register(log)

	d := dispatcher.New(table, b,
		dispatcher.WithClock(clock.NewFake(epoch)),
		dispatcher.WithExtensions(reg),
	)
	return d, b, log
}

func TestPublishRoutesByPriority(t *testing.T) {
	tests := []struct {
		priority workitem.Priority
		lane     string
		ttl      int
		brokerP  uint8
	}{
		{workitem.PriorityHigh, lane.IssueHigh, 300, 10},
		{workitem.PriorityNormal, lane.IssueNormal, 600, 5},
		{"", lane.IssueNormal, 600, 5},
		{workitem.PriorityLow, lane.IssueLow, 1800, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			d, b, _ := setup(t)
			item, err := d.Publish(context.Background(), workitem.OpIssue, tt.priority, "T1", accessKey, []byte(`{"n":1}`))
			require.NoError(t, err)

			assert.Equal(t, tt.lane, item.Lane)
			assert.Equal(t, tt.ttl, item.TTLSeconds)
			assert.False(t, item.ID.IsNil())
			assert.Equal(t, epoch, item.CreatedAt)
			assert.Equal(t, 0, item.AttemptCount)

			msgs := b.Messages(tt.lane)
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.brokerP, msgs[0].Priority)
			assert.Equal(t, epoch.Add(time.Duration(tt.ttl)*time.Second), msgs[0].ExpiresAt)
			assert.Equal(t, item.ID, msgs[0].Item.ID)
			assert.JSONEq(t, `{"n":1}`, string(msgs[0].Item.Payload))
		})
	}
}

func TestPublishRoutesByClass(t *testing.T) {
	d, b, _ := setup(t)
	ctx := context.Background()

	_, err := d.Publish(ctx, workitem.OpQueryStatus, workitem.PriorityHigh, "T1", accessKey, nil)
	require.NoError(t, err)
	_, err = d.Publish(ctx, workitem.OpCancel, "", "T1", accessKey, nil)
	require.NoError(t, err)
	_, err = d.Publish(ctx, workitem.OpVoidRange, "", "T1", taxpayerID, nil)
	require.NoError(t, err)
	_, err = d.Publish(ctx, workitem.OpQueryRegistration, "", "T1", taxpayerID, nil)
	require.NoError(t, err)

	assert.Len(t, b.Messages(lane.Query), 2)
	assert.Len(t, b.Messages(lane.Event), 1)
	assert.Len(t, b.Messages(lane.Void), 1)
	assert.Equal(t, uint8(0), b.Messages(lane.Query)[0].Priority, "query lane ignores priority")
}

func TestPublishValidation(t *testing.T) {
	d, b, log := setup(t)
	ctx := context.Background()

	_, err := d.Publish(ctx, workitem.OpIssue, workitem.PriorityHigh, "T1", accessKey[:43]+"4", nil)
	assert.ErrorIs(t, err, fiscal.ErrInvalidAccessKey)

	_, err = d.Publish(ctx, workitem.OpVoidRange, "", "T1", "11222333000180", nil)
	assert.ErrorIs(t, err, fiscal.ErrInvalidTaxpayerID)

	_, err = d.Publish(ctx, workitem.Operation("PRINT"), "", "T1", accessKey, nil)
	assert.ErrorIs(t, err, fiscal.ErrInvalidPayload)

	_, err = d.Publish(ctx, workitem.OpIssue, workitem.Priority("URGENT"), "T1", accessKey, nil)
	assert.ErrorIs(t, err, fiscal.ErrLaneNotFound)

	for _, name := range lane.DefaultTable().Names() {
		assert.Zero(t, b.Len(name), name)
	}
	assert.Empty(t, log.items)
}

func TestPublishNormalizesTaxpayerID(t *testing.T) {
	d, _, _ := setup(t)
	item, err := d.Publish(context.Background(), workitem.OpQueryRegistration, "", "T1", "11.222.333/0001-81", nil)
	require.NoError(t, err)
	assert.Equal(t, taxpayerID, item.CorrelationKey)
}

func TestPublishTenantFromScope(t *testing.T) {
	d, _, _ := setup(t)
	ctx := scope.WithTenant(context.Background(), "tenant-from-ctx")
	item, err := d.Publish(ctx, workitem.OpIssue, workitem.PriorityHigh, "", accessKey, nil)
	require.NoError(t, err)
	assert.Equal(t, "tenant-from-ctx", item.TenantID)
}

func TestPublishStampsTrace(t *testing.T) {
	d, _, _ := setup(t)

	item, err := d.Publish(context.Background(), workitem.OpIssue, workitem.PriorityHigh, "T1", accessKey, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, item.Meta(workitem.MetaTraceID), "fresh trace id without a span")
	assert.Empty(t, item.Meta(workitem.MetaSpanID))

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "submit")
	defer span.End()

	item, err = d.Publish(ctx, workitem.OpIssue, workitem.PriorityHigh, "T1", accessKey, nil)
	require.NoError(t, err)
	assert.Equal(t, span.SpanContext().TraceID().String(), item.Meta(workitem.MetaTraceID))
	assert.Equal(t, span.SpanContext().SpanID().String(), item.Meta(workitem.MetaSpanID))
}

func TestPublishEmitsExtension(t *testing.T) {
	d, _, log := setup(t)
	item, err := d.Publish(context.Background(), workitem.OpIssue, workitem.PriorityLow, "T1", accessKey, nil)
	require.NoError(t, err)
	require.Len(t, log.items, 1)
	assert.Equal(t, item.ID, log.items[0].ID)
}

func TestRepublishUsesRoutedLane(t *testing.T) {
	d, b, _ := setup(t)
	item := &workitem.WorkItem{
		TenantID:       "T1",
		CorrelationKey: accessKey,
		Operation:      workitem.OpIssue,
		Priority:       workitem.PriorityLow,
		NextAttemptAt:  epoch.Add(time.Minute),
	}
	require.NoError(t, d.Republish(context.Background(), item))

	msgs := b.Messages(lane.IssueLow)
	require.Len(t, msgs, 1)
	assert.Equal(t, epoch.Add(time.Minute), msgs[0].VisibleAt)
	assert.NotEmpty(t, msgs[0].Item.Meta(workitem.MetaTraceID))
}

func TestForward(t *testing.T) {
	d, b, _ := setup(t)
	item := &workitem.WorkItem{Operation: workitem.OpIssue, Priority: workitem.PriorityHigh, Lane: lane.IssueHigh}

	at := epoch.Add(5 * time.Second)
	require.NoError(t, d.Forward(context.Background(), lane.Retry, item, at))
	msgs := b.Messages(lane.Retry)
	require.Len(t, msgs, 1)
	assert.Equal(t, at, msgs[0].VisibleAt)
	assert.Equal(t, lane.Retry, msgs[0].Item.Lane)
	assert.Equal(t, 86400, msgs[0].Item.TTLSeconds)

	err := d.Forward(context.Background(), "fiscal.nowhere", item, time.Time{})
	assert.ErrorIs(t, err, fiscal.ErrLaneNotFound)
}
