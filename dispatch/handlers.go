package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pithecene-io/seam/evidence"
	"github.com/pithecene-io/seam/llm"
	"github.com/pithecene-io/seam/registry"
	"github.com/pithecene-io/seam/types"
)

// classificationInput is the input envelope for page classification jobs.
type classificationInput struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	Evidence []struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	} `json:"evidence"`
}

func (in *classificationInput) validate() error {
	if in.EntityType == "" || in.EntityID == "" {
		return fmt.Errorf("input envelope missing entity_type or entity_id")
	}
	if len(in.Evidence) == 0 {
		return fmt.Errorf("input envelope carries no evidence")
	}
	return nil
}

// classificationSchema constrains the provider to the rubric output.
var classificationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"category": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string"}
	},
	"required": ["category", "confidence"]
}`)

// classificationOutput is the schema-validated shape the handler persists.
type classificationOutput struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// pageClassificationHandler classifies one page from its bounded evidence.
func pageClassificationHandler(client llm.Client, policy evidence.Policy, defaultModel string) registry.HandlerFunc {
	return func(ctx context.Context, job *types.Job, rc *registry.RunContext) types.HandlerResult {
		var in classificationInput
		if err := json.Unmarshal(job.InputJSON, &in); err != nil {
			return types.Failed(Terminal(fmt.Errorf("invalid input envelope: %w", err)))
		}
		if err := in.validate(); err != nil {
			return types.Failed(Terminal(err))
		}

		items := make([]evidence.Item, 0, len(in.Evidence))
		for _, ev := range in.Evidence {
			items = append(items, evidence.Item{Name: ev.Name, Content: []byte(ev.Content)})
		}
		bundle, err := evidence.Build(items, policy)
		if err != nil {
			return types.Failed(Terminal(fmt.Errorf("failed to build evidence bundle: %w", err)))
		}

		prompt := renderClassificationPrompt(in, bundle)

		if rc.DryRun() {
			// No provider call. The synthetic output still exercises the
			// artifact path so staging validates storage end to end.
			output, _ := json.Marshal(classificationOutput{
				Category:  "dry_run",
				Rationale: "dry_run: no model invoked",
			})
			return types.Succeeded(output, classificationArtifacts(prompt, bundle, nil, output, nil), map[string]any{
				"note": "dry_run",
			})
		}

		model := defaultModel
		if job.ModelHint != "" {
			model = job.ModelHint
		}
		req := llm.ChatRequest{
			Messages: []llm.Message{
				{Role: "system", Content: "You classify web pages. Answer only with the requested JSON."},
				{Role: "user", Content: prompt},
			},
			OutputSchema: classificationSchema,
			Options:      llm.Options{Model: model, Temperature: 0},
		}
		resp := client.Chat(ctx, req)
		if !resp.OK() {
			// Provider-side failure; transient by default, retried with
			// backoff by the completion path.
			msg := resp.ErrorMessage
			if msg == "" {
				msg = "provider returned an unfinished completion"
			}
			return types.Failed(fmt.Errorf("chat call failed: %s", msg))
		}

		var out classificationOutput
		if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
			return types.Failed(Terminal(fmt.Errorf("provider output violates schema: %w", err)))
		}
		if out.Category == "" {
			return types.Failed(Terminal(fmt.Errorf("provider output violates schema: empty category")))
		}

		output, err := json.Marshal(out)
		if err != nil {
			return types.Failed(fmt.Errorf("failed to encode output: %w", err))
		}
		reqJSON, _ := json.Marshal(map[string]any{
			"messages":      req.Messages,
			"output_schema": req.OutputSchema,
			"model":         model,
		})

		metricsMap := map[string]any{
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
			"total_tokens":      resp.TotalTokens,
			"chat_ms":           resp.Duration.Milliseconds(),
		}
		if info, err := client.ModelInfo(ctx, model); err == nil {
			metricsMap["model"] = info
		}

		return types.Succeeded(output, classificationArtifacts(prompt, bundle, reqJSON, output, resp.RawResponse), metricsMap)
	}
}

// classificationArtifacts applies the storage policy: small joined payloads
// stay in SQL, large rarely-read blobs go lake-only.
func classificationArtifacts(prompt string, bundle *evidence.Bundle, reqJSON, output, rawResponse []byte) []types.ArtifactSpec {
	specs := []types.ArtifactSpec{
		{
			ArtifactType: types.ArtifactPromptText,
			Content:      []byte(prompt),
			MIMEType:     "text/plain",
			StoredInSQL:  true,
		},
		{
			ArtifactType:   types.ArtifactEvidenceBundle,
			Content:        bundle.Render(),
			MIMEType:       "text/plain",
			MirroredToLake: true,
			Metadata: map[string]any{
				"items":           len(bundle.Items),
				"items_dropped":   bundle.DroppedItems,
				"total_bytes":     bundle.TotalBytes,
				"original_sha256": bundle.OriginalSHA256,
				"redacted":        bundle.Redacted,
				"redaction_count": len(bundle.Redactions),
			},
		},
		{
			ArtifactType: types.ArtifactOutputJSON,
			Content:      output,
			MIMEType:     "application/json",
			StoredInSQL:  true,
		},
	}
	if reqJSON != nil {
		specs = append(specs, types.ArtifactSpec{
			ArtifactType: types.ArtifactRequestJSON,
			Content:      reqJSON,
			MIMEType:     "application/json",
			StoredInSQL:  true,
		})
	}
	if rawResponse != nil {
		specs = append(specs, types.ArtifactSpec{
			ArtifactType:   types.ArtifactResponseJSON,
			Content:        rawResponse,
			MIMEType:       "application/json",
			MirroredToLake: true,
		})
	}
	return specs
}

func renderClassificationPrompt(in classificationInput, bundle *evidence.Bundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify the following %s (id %s) into a category.\n\n", in.EntityType, in.EntityID)
	b.Write(bundle.Render())
	return b.String()
}

// RegisterBuiltins loads the code-resident job type catalog into reg.
// A nil policy uses the default evidence bounds.
func RegisterBuiltins(reg *registry.Registry, client llm.Client, policy *evidence.Policy, defaultModel string) error {
	pol := evidence.DefaultPolicy()
	if policy != nil {
		pol = *policy
	}
	defs := []*registry.JobTypeDefinition{
		{
			JobType:          "page_classification",
			DisplayName:      "Page classification",
			InterrogationKey: "page_classification.v2",
			Handler:          pageClassificationHandler(client, pol, defaultModel),
			MaxAttempts:      3,
			DefaultPriority:  100,
			TimeoutSeconds:   300,
			Version:          "2",
			Description:      "Classifies a page from bounded evidence against the classification rubric.",
			Tags:             []string{"classification", "llm"},
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
