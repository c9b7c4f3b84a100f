package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsMonotonicallySortable(t *testing.T) {
	t.Parallel()
	a := New()
	b := New()
	if a.String() >= b.String() {
		t.Errorf("expected a < b lexicographically, got a=%s b=%s", a, b)
	}
}

func TestNewWithTimeRoundTrips(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	u := NewWithTime(at)
	parsed, err := Parse(u.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.String() != u.String() {
		t.Errorf("round trip mismatch: %s != %s", parsed, u)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := Parse("not-a-ulid"); err == nil {
		t.Error("expected error parsing garbage ULID")
	}
}

func TestActionIDContentAddressing(t *testing.T) {
	t.Parallel()
	tok := []byte("header.payload.signature")
	id1 := ActionID(tok)
	id2 := ActionID(tok)
	if id1 != id2 {
		t.Errorf("ActionID not deterministic: %s != %s", id1, id2)
	}
	if !strings.HasPrefix(id1, ActionPrefix) {
		t.Errorf("expected %s prefix, got %s", ActionPrefix, id1)
	}
	other := ActionID([]byte("different.token.bytes"))
	if id1 == other {
		t.Error("different tokens produced the same action id")
	}
}

func TestParseFileID(t *testing.T) {
	t.Parallel()
	fid := FileID([]byte("some file bytes"))
	d1, d2, hash, err := ParseFileID(fid)
	if err != nil {
		t.Fatalf("ParseFileID: %v", err)
	}
	if hash != strings.TrimPrefix(fid, FilePrefix) {
		t.Errorf("hash mismatch: %s", hash)
	}
	if len(d1) != 2 || len(d2) != 2 {
		t.Errorf("expected 2-char directory levels, got %q/%q", d1, d2)
	}
	if fid[3:5] != d1 || fid[5:7] != d2 {
		t.Errorf("directory levels %q/%q do not match file id %q", d1, d2, fid)
	}
}

func TestParseFileIDRejectsBadPrefix(t *testing.T) {
	t.Parallel()
	if _, _, _, err := ParseFileID("x1~abcdef"); err == nil {
		t.Error("expected error for wrong prefix")
	}
}

func TestParseFileIDRejectsShort(t *testing.T) {
	t.Parallel()
	if _, _, _, err := ParseFileID("f1~ab"); err == nil {
		t.Error("expected error for too-short id")
	}
}

func TestValidActionID(t *testing.T) {
	t.Parallel()
	if !ValidActionID(ActionID([]byte("x"))) {
		t.Error("expected generated action id to validate")
	}
	if ValidActionID("a1~") {
		t.Error("expected empty-hash action id to be invalid")
	}
	if ValidActionID("bogus") {
		t.Error("expected wrong-prefix id to be invalid")
	}
}
