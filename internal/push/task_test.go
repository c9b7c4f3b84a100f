package push

import (
	"context"
	"testing"
)

type fakeStore struct {
	subs    []Subscription
	touched []string
	deleted []string
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, tnID, idTag string) ([]Subscription, error) {
	return f.subs, nil
}

func (f *fakeStore) TouchSubscription(ctx context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeStore) DeleteSubscription(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestTaskType_Kind(t *testing.T) {
	if (TaskType{}).Kind() != "core.push_dispatch" {
		t.Fatalf("unexpected kind")
	}
}

func TestTask_SerializeRoundTrip(t *testing.T) {
	tt := TaskType{Store: &fakeStore{}}
	serialized, err := NewSubmissionCtx("tn1", "alice@example.com", Payload{Title: "New reaction", Body: "Bob liked your post"})
	if err != nil {
		t.Fatalf("NewSubmissionCtx: %v", err)
	}
	built, err := tt.Build("t1", serialized)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	again, err := built.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if again != serialized {
		t.Errorf("round trip mismatch")
	}
}

func TestTask_RunWithNoSubscriptionsIsNoop(t *testing.T) {
	store := &fakeStore{}
	tt := TaskType{Store: store, VAPID: VAPIDConfig{PublicKey: "pub", PrivateKey: "priv", Contact: "mailto:ops@example.com"}}
	serialized, _ := NewSubmissionCtx("tn1", "alice@example.com", Payload{Title: "x"})
	task, _ := tt.Build("t1", serialized)
	if err := task.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.touched) != 0 || len(store.deleted) != 0 {
		t.Errorf("expected no subscription mutations")
	}
}
