// Package evidence bounds and redacts the evidence attached to LLM runs.
//
// Bounding comes first and is byte-budgeted: each item is truncated to the
// per-item cap without splitting a UTF-8 code point, then items are accepted
// in input order until the bundle caps are hit. Redaction runs after
// bounding, so the content hash of the unredacted bundle is computed before
// and stays valid for traceability.
package evidence

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/pithecene-io/seam/canonical"
)

// SamplingStrategy selects rows when rendering tabular evidence.
type SamplingStrategy string

const (
	// SampleFirstOnly takes the first N rows.
	SampleFirstOnly SamplingStrategy = "first_only"
	// SampleFirstLast takes the first N/2 and last N/2 rows.
	SampleFirstLast SamplingStrategy = "first_last"
	// SampleStride takes every ceil(total/N)-th row.
	SampleStride SamplingStrategy = "stride"
)

func (s SamplingStrategy) valid() bool {
	return s == SampleFirstOnly || s == SampleFirstLast || s == SampleStride
}

// Policy bounds one evidence bundle.
type Policy struct {
	MaxItems      int              `yaml:"max_items"`
	MaxItemBytes  int              `yaml:"max_item_bytes"`
	MaxTotalBytes int              `yaml:"max_total_bytes"`
	Sampling      SamplingStrategy `yaml:"sampling_strategy"`
	ChunkSize     int              `yaml:"chunk_size"`
	ChunkOverlap  int              `yaml:"chunk_overlap"`

	EnableRedaction bool `yaml:"enable_redaction"`
	// CustomPatterns are caller-supplied regexes applied after the built-in
	// redaction rules.
	CustomPatterns []string `yaml:"custom_patterns"`
}

// Validate reports every policy violation at once.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxItems <= 0 {
		errs = append(errs, fmt.Errorf("max_items must be positive, got %d", p.MaxItems))
	}
	if p.MaxItemBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_item_bytes must be positive, got %d", p.MaxItemBytes))
	}
	if p.MaxTotalBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_total_bytes must be positive, got %d", p.MaxTotalBytes))
	}
	if p.MaxItemBytes > 0 && p.MaxTotalBytes > 0 && p.MaxItemBytes > p.MaxTotalBytes {
		errs = append(errs, fmt.Errorf("max_item_bytes %d exceeds max_total_bytes %d", p.MaxItemBytes, p.MaxTotalBytes))
	}
	if !p.Sampling.valid() {
		errs = append(errs, fmt.Errorf("invalid sampling_strategy %q", p.Sampling))
	}
	if p.ChunkSize > 0 && p.ChunkOverlap >= p.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap %d must be less than chunk_size %d", p.ChunkOverlap, p.ChunkSize))
	}
	return errors.Join(errs...)
}

// DefaultPolicy returns the bounds applied when a handler supplies none.
func DefaultPolicy() Policy {
	return Policy{
		MaxItems:        50,
		MaxItemBytes:    16 * 1024,
		MaxTotalBytes:   256 * 1024,
		Sampling:        SampleFirstOnly,
		ChunkSize:       4096,
		ChunkOverlap:    256,
		EnableRedaction: true,
	}
}

// BoundInfo records what per-item bounding did.
type BoundInfo struct {
	Applied      bool `json:"applied"`
	OriginalSize int  `json:"original_size"`
	BoundedSize  int  `json:"bounded_size"`
}

// Item is one piece of evidence entering a bundle.
type Item struct {
	// Name labels the item in the rendered bundle, e.g. "page:123".
	Name    string
	Content []byte

	// Bound is populated by Build.
	Bound BoundInfo
}

// BoundItem truncates content to maxBytes without splitting a UTF-8 code
// point. The cut moves backwards past continuation bytes.
func BoundItem(content []byte, maxBytes int) ([]byte, BoundInfo) {
	info := BoundInfo{OriginalSize: len(content), BoundedSize: len(content)}
	if len(content) <= maxBytes {
		return content, info
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	info.Applied = true
	info.BoundedSize = cut
	return content[:cut], info
}

// Bundle is the bounded, optionally redacted evidence for one run.
type Bundle struct {
	Items []Item

	// DroppedItems counts input items the bundle bound rejected.
	DroppedItems int
	// TotalBytes is the byte total of the kept, bounded items.
	TotalBytes int

	// OriginalSHA256 is the hash of the bounded bundle BEFORE redaction.
	// It is the hash of record for traceability.
	OriginalSHA256 string

	Redacted   bool
	Redactions []Redaction
}

// Build bounds items per the policy and, when enabled, redacts the result.
// Input order is preserved; once either bundle cap is reached all subsequent
// items are dropped.
func Build(items []Item, policy Policy) (*Bundle, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	bundle := &Bundle{}
	full := false
	for _, item := range items {
		if full || len(bundle.Items) >= policy.MaxItems {
			full = true
			bundle.DroppedItems++
			continue
		}
		bounded, info := BoundItem(item.Content, policy.MaxItemBytes)
		if bundle.TotalBytes+len(bounded) > policy.MaxTotalBytes {
			// The first item past the budget closes the bundle; order is
			// preserved, never backfilled with smaller later items.
			full = true
			bundle.DroppedItems++
			continue
		}
		item.Content = bounded
		item.Bound = info
		bundle.Items = append(bundle.Items, item)
		bundle.TotalBytes += len(bounded)
	}

	bundle.OriginalSHA256 = canonical.HashBytes(bundle.render())

	if policy.EnableRedaction {
		rules, err := redactionRules(policy.CustomPatterns)
		if err != nil {
			return nil, err
		}
		for i := range bundle.Items {
			redacted, log := applyRules(bundle.Items[i].Content, rules)
			bundle.Items[i].Content = redacted
			bundle.Redactions = append(bundle.Redactions, log...)
		}
		bundle.Redacted = len(bundle.Redactions) > 0
	}

	return bundle, nil
}

// Render produces the bundle's byte form for persistence.
func (b *Bundle) Render() []byte {
	return b.render()
}

func (b *Bundle) render() []byte {
	var out []byte
	for _, item := range b.Items {
		out = append(out, "=== "+item.Name+" ===\n"...)
		out = append(out, item.Content...)
		out = append(out, '\n')
	}
	return out
}
