package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
	"github.com/pithecene-io/seam/types"
)

// EnqueueResponse is the response for the enqueue command.
type EnqueueResponse struct {
	JobID            string `json:"job_id"`
	InterrogationKey string `json:"interrogation_key"`
	Status           string `json:"status"`
	Priority         int    `json:"priority"`
	MaxAttempts      int    `json:"max_attempts"`
}

// EnqueueCommand returns the enqueue command: insert one derivation job
// into the job queue.
func EnqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "Enqueue one derivation job",
		ArgsUsage: " ",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "interrogation",
				Usage: "Interrogation key the handler must implement",
				Value: "page_classification.v2",
			},
			&cli.StringFlag{
				Name:     "entity-type",
				Usage:    "Entity type the job classifies, e.g. page",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "entity-id",
				Usage:    "Entity identifier within its type",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "evidence",
				Usage: "Inline evidence as name=content (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "evidence-file",
				Usage: "File whose contents become one evidence item (repeatable)",
			},
			&cli.IntFlag{
				Name:  "priority",
				Usage: "Claim priority, higher first",
				Value: 100,
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Attempts before the job goes dead",
				Value: 3,
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model hint overriding the handler default",
			},
		),
		Action: enqueueAction,
	}
}

type evidenceEntry struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func enqueueAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	evs, err := collectEvidence(c)
	if err != nil {
		return err
	}
	if len(evs) == 0 {
		return cli.Exit("at least one --evidence or --evidence-file is required", 1)
	}

	input, err := json.Marshal(map[string]any{
		"entity_type": c.String("entity-type"),
		"entity_id":   c.String("entity-id"),
		"evidence":    evs,
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("cannot build input envelope: %v", err), 1)
	}

	job := &types.Job{
		InterrogationKey: c.String("interrogation"),
		InputJSON:        input,
		Priority:         c.Int("priority"),
		MaxAttempts:      c.Int("max-attempts"),
		ModelHint:        c.String("model"),
	}
	if err := job.Validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnqueueJob(c.Context, job); err != nil {
		return cli.Exit(fmt.Sprintf("enqueue failed: %v", err), 1)
	}

	return r.Render(EnqueueResponse{
		JobID:            job.JobID,
		InterrogationKey: job.InterrogationKey,
		Status:           string(types.JobQueued),
		Priority:         job.Priority,
		MaxAttempts:      job.MaxAttempts,
	})
}

// collectEvidence merges inline name=content pairs and file contents.
func collectEvidence(c *cli.Context) ([]evidenceEntry, error) {
	var evs []evidenceEntry
	for _, raw := range c.StringSlice("evidence") {
		name, content, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return nil, cli.Exit(fmt.Sprintf("invalid --evidence %q (want name=content)", raw), 1)
		}
		evs = append(evs, evidenceEntry{Name: name, Content: content})
	}
	for _, path := range c.StringSlice("evidence-file") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("cannot read evidence file %s: %v", path, err), 1)
		}
		evs = append(evs, evidenceEntry{Name: filepath.Base(path), Content: string(data)})
	}
	return evs, nil
}
