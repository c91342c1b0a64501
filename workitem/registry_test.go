package workitem_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/workitem"
)

type cancelPayload struct {
	Reason string `json:"reason"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := workitem.NewRegistry()

	var got cancelPayload
	var gotKey string
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpCancel,
		func(_ context.Context, item *workitem.WorkItem, p cancelPayload) error {
			got = p
			gotKey = item.CorrelationKey
			return nil
		},
	))

	h, ok := r.Get(workitem.OpCancel)
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	payload, _ := json.Marshal(cancelPayload{Reason: "customer gave up"})
	item := &workitem.WorkItem{CorrelationKey: "k1", Operation: workitem.OpCancel, Payload: payload}
	if err := h(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Reason != "customer gave up" {
		t.Errorf("Reason = %q, want %q", got.Reason, "customer gave up")
	}
	if gotKey != "k1" {
		t.Errorf("CorrelationKey = %q, want %q", gotKey, "k1")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := workitem.NewRegistry()
	if _, ok := r.Get(workitem.OpVoidRange); ok {
		t.Fatal("expected no handler for unregistered operation")
	}
}

func TestRegistry_InvalidJSONIsPermanent(t *testing.T) {
	r := workitem.NewRegistry()
	workitem.RegisterDefinition(r, workitem.NewDefinition(workitem.OpCancel,
		func(_ context.Context, _ *workitem.WorkItem, _ cancelPayload) error {
			t.Fatal("handler should not be called with invalid JSON")
			return nil
		},
	))

	h, _ := r.Get(workitem.OpCancel)
	err := h(context.Background(), &workitem.WorkItem{Payload: []byte("{not json")})
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !errors.Is(err, fiscal.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
	if failure.Of(err) != failure.ClassPermanent {
		t.Errorf("class = %s, want PERMANENT", failure.Of(err))
	}
}

func TestOperationClass(t *testing.T) {
	cases := map[workitem.Operation]workitem.Class{
		workitem.OpIssue:             workitem.ClassIssue,
		workitem.OpQueryStatus:       workitem.ClassQuery,
		workitem.OpQueryXML:          workitem.ClassQuery,
		workitem.OpQueryRegistration: workitem.ClassQuery,
		workitem.OpQueryDistribution: workitem.ClassQuery,
		workitem.OpCancel:            workitem.ClassEvent,
		workitem.OpCorrectionLetter:  workitem.ClassEvent,
		workitem.OpRecipientManifest: workitem.ClassEvent,
		workitem.OpVoidRange:         workitem.ClassVoid,
	}
	if len(workitem.Operations()) != len(cases) {
		t.Fatalf("Operations() = %d entries, want %d", len(workitem.Operations()), len(cases))
	}
	for op, want := range cases {
		if got := op.Class(); got != want {
			t.Errorf("%s.Class() = %s, want %s", op, got, want)
		}
	}
	if workitem.Operation("BOGUS").Valid() {
		t.Error("unknown operation reported valid")
	}
}

func TestParse(t *testing.T) {
	op, err := workitem.ParseOperation(" query_status ")
	if err != nil || op != workitem.OpQueryStatus {
		t.Fatalf("ParseOperation = %q, %v", op, err)
	}
	if _, err := workitem.ParseOperation("nope"); err == nil {
		t.Error("expected error for unknown operation")
	}

	p, err := workitem.ParsePriority("")
	if err != nil || p != workitem.PriorityNormal {
		t.Fatalf("ParsePriority(\"\") = %q, %v", p, err)
	}
	p, err = workitem.ParsePriority("high")
	if err != nil || p != workitem.PriorityHigh {
		t.Fatalf("ParsePriority(high) = %q, %v", p, err)
	}
	if _, err := workitem.ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestWorkItemClone(t *testing.T) {
	orig := &workitem.WorkItem{
		Payload:  json.RawMessage(`{"a":1}`),
		Metadata: map[string]string{"trace_id": "t"},
	}
	cp := orig.Clone()
	cp.Payload[2] = 'b'
	cp.SetMeta("trace_id", "changed")
	cp.AttemptCount = 4

	if string(orig.Payload) != `{"a":1}` {
		t.Errorf("payload aliased: %s", orig.Payload)
	}
	if orig.Meta("trace_id") != "t" {
		t.Errorf("metadata aliased: %s", orig.Meta("trace_id"))
	}
	if orig.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", orig.AttemptCount)
	}
}
