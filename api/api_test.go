package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/api"
	brokermem "github.com/xraph/fiscal/broker/memory"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/engine"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
	"github.com/xraph/fiscal/lane"
	"github.com/xraph/fiscal/operation"
	"github.com/xraph/fiscal/store/memory"
	"github.com/xraph/fiscal/workitem"
)

type nopAuthority struct{}

func (nopAuthority) Sign(_ context.Context, doc []byte) ([]byte, error) { return doc, nil }
func (nopAuthority) Transmit(_ context.Context, _ []byte) (string, error) {
	return "PROT-1", nil
}
func (nopAuthority) QueryStatus(_ context.Context, _ string) (operation.RemoteStatus, error) {
	return operation.RemoteStatus{}, nil
}

type fixture struct {
	eng    *engine.Engine
	store  *memory.Store
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := fiscal.DefaultConfig()
	cfg.Schedule = fiscal.ScheduleConfig{}
	st := memory.New()
	eng, err := engine.New(context.Background(),
		engine.WithConfig(cfg),
		engine.WithBroker(brokermem.New()),
		engine.WithStore(st),
		engine.WithTransmitter(nopAuthority{}),
	)
	require.NoError(t, err)

	return &fixture{eng: eng, store: st, router: api.New(eng, api.WithDrainTimeout(time.Second)).Handler()}
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) pushDeadLetter(t *testing.T, tenantID string, class failure.Class) *deadletter.Entry {
	t.Helper()
	e := &deadletter.Entry{
		ID:             id.NewDLQID(),
		ItemID:         id.NewWorkItemID(),
		TenantID:       tenantID,
		CorrelationKey: "35240111222333000181550010000001231234567815",
		Operation:      workitem.OpQueryStatus,
		Priority:       workitem.PriorityNormal,
		OriginLane:     lane.Query,
		Reason:         "schema validation failed",
		Class:          class,
		AttemptCount:   6,
		State:          deadletter.StateOpen,
		FailedAt:       time.Now().UTC(),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.store.PushDeadLetter(context.Background(), e))
	return e
}

func TestLanes(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/lanes")
	require.Equal(t, http.StatusOK, w.Code)
	var lanes []engine.LaneStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lanes))
	assert.Len(t, lanes, len(f.eng.Table().Names()))

	w = f.do(t, http.MethodPost, "/v1/lanes/"+lane.IssueHigh+"/pause")
	require.Equal(t, http.StatusOK, w.Code)
	var st engine.LaneStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, lane.StatePaused, st.State)

	w = f.do(t, http.MethodPost, "/v1/lanes/"+lane.IssueHigh+"/resume")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, lane.StateRunning, st.State)

	w = f.do(t, http.MethodPost, "/v1/lanes/"+lane.Void+"/drain")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, lane.StateDrained, st.State)

	w = f.do(t, http.MethodPost, "/v1/lanes/fiscal.nope/pause")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	perm := f.pushDeadLetter(t, "T1", failure.ClassPermanent)
	f.pushDeadLetter(t, "T2", failure.ClassTransient)

	w := f.do(t, http.MethodGet, "/v1/dlq?class=PERMANENT")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []*deadletter.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, perm.ID, entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/dlq?class=FATAL").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/dlq/not-an-id").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/dlq/"+id.NewDLQID().String()).Code)

	w = f.do(t, http.MethodGet, "/v1/dlq/"+perm.ID.String())
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/v1/dlq/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats api.DeadLetterStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByTenant["T1"])

	w = f.do(t, http.MethodPost, "/v1/dlq/"+perm.ID.String()+"/replay")
	require.Equal(t, http.StatusCreated, w.Code)
	var item workitem.WorkItem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &item))
	assert.NotEqual(t, perm.ItemID, item.ID)
	assert.Equal(t, 0, item.AttemptCount)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/dlq/"+perm.ID.String()).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/dlq/"+perm.ID.String()).Code)
}

func TestDocuments(t *testing.T) {
	f := newFixture(t)
	key, err := f.eng.SubmitIssue(context.Background(), "T1", operation.IssuePayload{
		AuthorityCode: 35,
		IssueDate:     time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		TaxpayerID:    "11222333000181",
		Series:        1,
		Number:        123,
		Document:      json.RawMessage(`{"total":10}`),
	}, workitem.PriorityNormal)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/v1/documents/"+key)
	require.Equal(t, http.StatusOK, w.Code)
	var rec document.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, document.StatusPending, rec.Status)
	assert.Equal(t, "T1", rec.TenantID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/documents/123").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/documents/35240111222333000181550010000001231234567815").Code)

	w = f.do(t, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.NotEmpty(t, stats.Lanes)
}

func TestTokenAuth(t *testing.T) {
	f := newFixture(t)
	router := api.New(f.eng, api.WithToken("s3cret")).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/lanes", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/lanes", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
