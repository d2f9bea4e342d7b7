package record

import (
	"testing"
	"time"

	"github.com/pithecene-io/seam/connector"
	"github.com/pithecene-io/seam/types"
)

func sealedExchange(t *testing.T, observedAt time.Time) *Exchange {
	t.Helper()
	e := &Exchange{
		ExchangeType: "ingest",
		SourceSystem: "webarchive",
		EntityType:   "page",
		NaturalKey:   "webarchive:crawl:page:42",
		Request:      map[string]any{"uri": "https://example.org/42", "method": "GET"},
		Response:     map[string]any{"status_code": 200, "payload": "<html>ok</html>"},
		ObservedAt:   observedAt,
		FetchedAt:    observedAt,
	}
	if err := e.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	return e
}

func TestHashExcludesTimestamps(t *testing.T) {
	a := sealedExchange(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := sealedExchange(t, time.Date(2026, 6, 15, 12, 30, 0, 0, time.UTC))

	if a.ContentSHA256 != b.ContentSHA256 {
		t.Fatalf("observed_at changed the content hash: %s vs %s", a.ContentSHA256, b.ContentSHA256)
	}
}

func TestLakeJSONStableAcrossObservations(t *testing.T) {
	a := sealedExchange(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := sealedExchange(t, time.Date(2026, 6, 15, 12, 30, 0, 0, time.UTC))

	aj, err := a.LakeJSON()
	if err != nil {
		t.Fatalf("lake json: %v", err)
	}
	bj, _ := b.LakeJSON()
	if string(aj) != string(bj) {
		t.Fatal("lake rendering depends on observation time")
	}

	unsealed := &Exchange{NaturalKey: "k"}
	if _, err := unsealed.LakeJSON(); err == nil {
		t.Fatal("lake json of unsealed record did not error")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	e := sealedExchange(t, time.Now())

	ok, err := e.Verify()
	if err != nil || !ok {
		t.Fatalf("verify of sealed record = (%v, %v)", ok, err)
	}

	e.Response["payload"] = "<html>tampered</html>"
	ok, err = e.Verify()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("tampered response passed verification")
	}

	unsealed := &Exchange{NaturalKey: "k"}
	if _, err := unsealed.Verify(); err == nil {
		t.Fatal("verify of unsealed record did not error")
	}
}

func TestFromFetch(t *testing.T) {
	item := &types.WorkItem{
		SourceSystem:  "webarchive",
		SourceName:    "crawl",
		ResourceType:  "page",
		ResourceID:    "42",
		RequestURI:    "https://example.org/42",
		RequestMethod: "GET",
	}
	resp := connector.Response{StatusCode: 200, Payload: []byte("<html>ok</html>")}

	e, err := FromFetch(item, resp, time.Now())
	if err != nil {
		t.Fatalf("from fetch: %v", err)
	}
	if e.NaturalKey != item.DedupeKey() {
		t.Fatalf("natural key = %q", e.NaturalKey)
	}
	if e.ContentSHA256 == "" {
		t.Fatal("record not sealed")
	}

	// Canonical bytes are stable across calls.
	first, err := e.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	second, _ := e.CanonicalJSON()
	if string(first) != string(second) {
		t.Fatal("canonical rendering unstable")
	}
}
