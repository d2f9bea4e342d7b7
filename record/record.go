// Package record defines the canonical exchange record written to the lake
// for every successful fetch.
//
// The content hash deliberately excludes wall-clock fields. Two fetches of
// the same resource that observed identical bytes hash identically even when
// observed at different times, which is what makes lake writes idempotent
// across re-runs. Verify recomputes the hash from the enumerated fields;
// tamper detection is a first-class behavior, not a debugging aid.
package record

import (
	"fmt"
	"time"

	"github.com/pithecene-io/seam/canonical"
	"github.com/pithecene-io/seam/connector"
	"github.com/pithecene-io/seam/types"
)

// Exchange captures one request/response pair against an upstream system.
type Exchange struct {
	ExchangeType string         `json:"exchange_type"`
	SourceSystem string         `json:"source_system"`
	EntityType   string         `json:"entity_type"`
	NaturalKey   string         `json:"natural_key"`
	Request      map[string]any `json:"request"`
	Response     map[string]any `json:"response"`

	// ObservedAt and FetchedAt are wall-clock fields, stored but never
	// hashed.
	ObservedAt time.Time `json:"observed_at_utc"`
	FetchedAt  time.Time `json:"fetched_at_utc"`

	ContentSHA256 string `json:"content_sha256"`
}

// hashInput enumerates the fields the content hash covers.
func (e *Exchange) hashInput() map[string]any {
	return map[string]any{
		"exchange_type": e.ExchangeType,
		"source_system": e.SourceSystem,
		"entity_type":   e.EntityType,
		"natural_key":   e.NaturalKey,
		"request":       e.Request,
		"response":      e.Response,
	}
}

// Seal computes and stores the content hash.
func (e *Exchange) Seal() error {
	sum, err := canonical.HashHex(e.hashInput())
	if err != nil {
		return fmt.Errorf("failed to hash exchange: %w", err)
	}
	e.ContentSHA256 = sum
	return nil
}

// Verify recomputes the hash and compares it to the sealed one.
func (e *Exchange) Verify() (bool, error) {
	if e.ContentSHA256 == "" {
		return false, fmt.Errorf("exchange %s is not sealed", e.NaturalKey)
	}
	sum, err := canonical.HashHex(e.hashInput())
	if err != nil {
		return false, fmt.Errorf("failed to hash exchange: %w", err)
	}
	return sum == e.ContentSHA256, nil
}

// CanonicalJSON renders the full record, timestamps included, as canonical
// bytes.
func (e *Exchange) CanonicalJSON() ([]byte, error) {
	return canonical.Marshal(e)
}

// LakeJSON renders the hash-covered fields plus the sealed hash as canonical
// bytes. Wall-clock fields are excluded so a re-fetch that observed identical
// content produces byte-identical output, which is what lets the lake writer
// skip instead of reporting a digest conflict under at-least-once delivery.
func (e *Exchange) LakeJSON() ([]byte, error) {
	if e.ContentSHA256 == "" {
		return nil, fmt.Errorf("exchange %s is not sealed", e.NaturalKey)
	}
	input := e.hashInput()
	input["content_sha256"] = e.ContentSHA256
	return canonical.Marshal(input)
}

// FromFetch builds a sealed ingest exchange from a work item and its
// response. The response payload is stored as text; binary payloads belong
// in a dedicated lake object, referenced here by URI.
func FromFetch(item *types.WorkItem, resp connector.Response, observedAt time.Time) (*Exchange, error) {
	e := &Exchange{
		ExchangeType: "ingest",
		SourceSystem: item.SourceSystem,
		EntityType:   item.ResourceType,
		NaturalKey:   item.DedupeKey(),
		Request: map[string]any{
			"uri":    item.RequestURI,
			"method": item.RequestMethod,
		},
		Response: map[string]any{
			"status_code": resp.StatusCode,
			"payload":     string(resp.Payload),
		},
		ObservedAt: observedAt.UTC(),
		FetchedAt:  observedAt.UTC(),
	}
	if err := e.Seal(); err != nil {
		return nil, err
	}
	return e, nil
}
