package search

import "testing"

func TestDecodeHit_RoundTripsProfileDoc(t *testing.T) {
	hit := map[string]interface{}{
		"id":     "tn1:alice@example.com",
		"idTag":  "alice@example.com",
		"name":   "Alice",
		"type":   "person",
		"status": "active",
	}
	var doc ProfileDoc
	if !decodeHit(hit, &doc) {
		t.Fatal("expected decodeHit to succeed")
	}
	if doc.IDTag != "alice@example.com" || doc.Name != "Alice" {
		t.Errorf("unexpected decoded doc: %+v", doc)
	}
}

func TestDecodeHit_RoundTripsActionDoc(t *testing.T) {
	hit := map[string]interface{}{
		"id":     "a1~deadbeef",
		"tnId":   "tn1",
		"typ":    "POST",
		"issuer": "alice@example.com",
		"text":   "hello world",
	}
	var doc ActionDoc
	if !decodeHit(hit, &doc) {
		t.Fatal("expected decodeHit to succeed")
	}
	if doc.TnID != "tn1" || doc.Text != "hello world" {
		t.Errorf("unexpected decoded doc: %+v", doc)
	}
}

func TestDecodeHit_RejectsUnmarshalable(t *testing.T) {
	var doc ProfileDoc
	if decodeHit(make(chan int), &doc) {
		t.Error("expected decodeHit to fail on an unmarshalable value")
	}
}
