package bus

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventRoundTrip(t *testing.T) {
	ev := Event{
		Type:      SubjectActionCreated,
		TnID:      "42",
		ActionID:  "a1~abc",
		Target:    "bob.example.com",
		Data:      json.RawMessage(`{"typ":"POST"}`),
		Timestamp: time.Unix(0, 0).UTC(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Type != ev.Type || got.TnID != ev.TnID || got.ActionID != ev.ActionID || got.Target != ev.Target {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, ev)
	}
}

func TestSubjectsAreNamespaced(t *testing.T) {
	subjects := []string{
		SubjectActionCreated,
		SubjectActionReceived,
		SubjectActionDelivered,
		SubjectActionFailed,
		SubjectProfileSynced,
		SubjectCertRenewed,
	}
	for _, s := range subjects {
		if len(s) < len("cloudillo.") || s[:len("cloudillo.")] != "cloudillo." {
			t.Errorf("subject %q is not namespaced under cloudillo.", s)
		}
	}
}
