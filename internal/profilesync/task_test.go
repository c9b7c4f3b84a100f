package profilesync

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeFetcher struct {
	data map[string]ProfileData
	err  error
}

func (f *fakeFetcher) FetchProfile(ctx context.Context, idTag string) (ProfileData, error) {
	if f.err != nil {
		return ProfileData{}, f.err
	}
	return f.data[idTag], nil
}

type fakeStore struct {
	stale    []StaleProfile
	upserted map[string]ProfileData
}

func newFakeStore() *fakeStore {
	return &fakeStore{upserted: map[string]ProfileData{}}
}

func (f *fakeStore) UpsertProfile(ctx context.Context, tnID, idTag string, data ProfileData) error {
	f.upserted[tnID+":"+idTag] = data
	return nil
}

func (f *fakeStore) ListStaleProfiles(ctx context.Context, olderThan time.Time, limit int) ([]StaleProfile, error) {
	return f.stale, nil
}

type fakeIndexer struct {
	indexed []string
}

func (f *fakeIndexer) IndexProfile(ctx context.Context, tnID, idTag string, data ProfileData) error {
	f.indexed = append(f.indexed, tnID+":"+idTag)
	return nil
}

func TestTaskType_Kind(t *testing.T) {
	if (TaskType{}).Kind() != Kind {
		t.Errorf("expected kind %q", Kind)
	}
}

func TestTask_OnDemandRefreshUpsertsAndIndexes(t *testing.T) {
	store := newFakeStore()
	fetcher := &fakeFetcher{data: map[string]ProfileData{"alice@example.com": {Name: "Alice"}}}
	indexer := &fakeIndexer{}
	tt := TaskType{Store: store, Fetcher: fetcher, Indexer: indexer}

	ctxStr, err := NewSubmissionCtx("tn1", "alice@example.com")
	if err != nil {
		t.Fatalf("NewSubmissionCtx: %v", err)
	}
	task, err := tt.Build("task1", ctxStr)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := task.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := store.upserted["tn1:alice@example.com"]; !ok {
		t.Error("expected profile to be upserted")
	}
	if len(indexer.indexed) != 1 {
		t.Errorf("expected one indexed profile, got %d", len(indexer.indexed))
	}
}

func TestTask_BatchSweepReturnsFetchError(t *testing.T) {
	store := newFakeStore()
	store.stale = []StaleProfile{{TnID: "tn1", IDTag: "bad@example.com"}, {TnID: "tn1", IDTag: "good@example.com"}}
	fetcher := &fakeFetcher{err: errors.New("network down")}
	tt := TaskType{Store: store, Fetcher: fetcher}

	task, err := tt.Build("task2", "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := task.Run(context.Background(), nil); err == nil {
		t.Error("expected an error from a fully-failing sweep")
	}
}

func TestTask_SerializeRoundTrip(t *testing.T) {
	tt := TaskType{Store: newFakeStore(), Fetcher: &fakeFetcher{}}
	ctxStr, err := NewSubmissionCtx("tn1", "alice@example.com")
	if err != nil {
		t.Fatalf("NewSubmissionCtx: %v", err)
	}
	task, err := tt.Build("task3", ctxStr)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	out, err := task.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if out != ctxStr {
		t.Errorf("expected round-trip %q, got %q", ctxStr, out)
	}
}
