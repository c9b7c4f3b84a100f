// Package search indexes profiles and actions into Meilisearch so the
// core can serve full-text queries without scanning Postgres (spec §2.1
// "Search adapter"). Profile indexing is driven off the
// ProfileRefreshBatch sweep rather than a dedicated poller; nothing in
// the core calls IndexAction.
package search

import (
	"context"
	"encoding/json"

	"github.com/meilisearch/meilisearch-go"

	"github.com/cloudillo/cloudillo/internal/coreerr"
)

const (
	profilesIndex = "profiles"
	actionsIndex  = "actions"
)

// ProfileDoc is one indexed profile document.
type ProfileDoc struct {
	ID     string `json:"id"` // tnID:idTag
	IDTag  string `json:"idTag"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
}

// ActionDoc is one indexed action document, limited to the fields worth
// searching on (spec's Content is opaque per type, so only public,
// indexable actions carry a searchable Text).
type ActionDoc struct {
	ID       string `json:"id"` // action_id
	TnID     string `json:"tnId"`
	Typ      string `json:"typ"`
	Issuer   string `json:"issuer"`
	Text     string `json:"text,omitempty"`
}

// Index wraps a Meilisearch client, scoping all calls to this
// instance's profiles and actions indices.
type Index struct {
	client meilisearch.ServiceManager
}

// New connects to a Meilisearch instance and ensures both indices exist
// with their primary key set.
func New(ctx context.Context, url, apiKey string) (*Index, error) {
	client := meilisearch.New(url, meilisearch.WithAPIKey(apiKey))

	for _, name := range []string{profilesIndex, actionsIndex} {
		task, err := client.CreateIndex(&meilisearch.IndexConfig{Uid: name, PrimaryKey: "id"})
		if err != nil {
			return nil, coreerr.Wrap(coreerr.ServiceUnavail, "creating search index "+name, err)
		}
		if _, err := client.WaitForTask(task.TaskUID, meilisearch.WaitParams{}); err != nil {
			return nil, coreerr.Wrap(coreerr.ServiceUnavail, "waiting for index creation "+name, err)
		}
	}
	return &Index{client: client}, nil
}

// IndexProfile upserts a profile document.
func (i *Index) IndexProfile(ctx context.Context, doc ProfileDoc) error {
	idx := i.client.Index(profilesIndex)
	if _, err := idx.AddDocuments([]ProfileDoc{doc}); err != nil {
		return coreerr.Wrap(coreerr.ServiceUnavail, "indexing profile", err)
	}
	return nil
}

// SearchProfiles runs a full-text query against the profiles index.
func (i *Index) SearchProfiles(ctx context.Context, query string, limit int) ([]ProfileDoc, error) {
	idx := i.client.Index(profilesIndex)
	resp, err := idx.Search(query, &meilisearch.SearchRequest{Limit: int64(limit)})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ServiceUnavail, "searching profiles", err)
	}
	out := make([]ProfileDoc, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		var doc ProfileDoc
		if decodeHit(hit, &doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// IndexAction upserts an action document. Callers are responsible for
// only indexing actions whose visibility/audience makes them
// appropriate for search (spec's ABAC evaluator governs read access
// separately at query time).
func (i *Index) IndexAction(ctx context.Context, doc ActionDoc) error {
	idx := i.client.Index(actionsIndex)
	if _, err := idx.AddDocuments([]ActionDoc{doc}); err != nil {
		return coreerr.Wrap(coreerr.ServiceUnavail, "indexing action", err)
	}
	return nil
}

// SearchActions runs a full-text query against the actions index,
// scoped to one tenant.
func (i *Index) SearchActions(ctx context.Context, tnID, query string, limit int) ([]ActionDoc, error) {
	idx := i.client.Index(actionsIndex)
	resp, err := idx.Search(query, &meilisearch.SearchRequest{
		Limit:  int64(limit),
		Filter: "tnId = " + tnID,
	})
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ServiceUnavail, "searching actions", err)
	}
	out := make([]ActionDoc, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		var doc ActionDoc
		if decodeHit(hit, &doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// decodeHit re-marshals a raw search hit into a typed document, since
// the client hands back hits as untyped maps.
func decodeHit(hit interface{}, out interface{}) bool {
	raw, err := json.Marshal(hit)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
