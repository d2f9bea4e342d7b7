package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/types"
)

// JobSummary is one row of the inspect --list output.
type JobSummary struct {
	JobID            string `json:"job_id"`
	InterrogationKey string `json:"interrogation_key"`
	Status           string `json:"status"`
	Priority         int    `json:"priority"`
	Attempts         string `json:"attempts"`
	LastError        string `json:"last_error,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// RunSummary is one run inside a job detail.
type RunSummary struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	ModelName   string `json:"model_name,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Metrics     string `json:"metrics,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ArtifactSummary is one artifact inside a job detail.
type ArtifactSummary struct {
	ArtifactID   string `json:"artifact_id"`
	RunID        string `json:"run_id"`
	ArtifactType string `json:"artifact_type"`
	ByteCount    int64  `json:"byte_count"`
	SHA256       string `json:"sha256"`
	StoredInSQL  bool   `json:"stored_in_sql"`
	LakeURI      string `json:"lake_uri,omitempty"`
}

// JobDetail is the inspect --job-id output.
type JobDetail struct {
	Job       JobSummary        `json:"job"`
	Runs      []RunSummary      `json:"runs"`
	Artifacts []ArtifactSummary `json:"artifacts"`
}

// StatsResponse is the inspect --stats output: count-by-status for both
// queues.
type StatsResponse struct {
	WorkItems store.Stats `json:"work_items"`
	Jobs      store.Stats `json:"jobs"`
}

// InspectCommand returns the inspect command: read-only views over the
// job queue.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect jobs, runs, and queue stats",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "list",
				Usage: "List recent jobs, newest first",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum jobs to list",
				Value: 20,
			},
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "Show one job with its runs and artifacts",
			},
			&cli.BoolFlag{
				Name:  "stats",
				Usage: "Show count-by-status for both queues",
			},
		),
		Action: inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	modes := 0
	for _, set := range []bool{c.Bool("list"), c.String("job-id") != "", c.Bool("stats")} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return cli.Exit("exactly one of --list, --job-id, or --stats is required", 1)
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

	switch {
	case c.Bool("stats"):
		return renderStats(c, r, st)
	case c.String("job-id") != "":
		return renderJobDetail(c, r, st, c.String("job-id"))
	default:
		return renderJobList(c, r, st, c.Int("limit"))
	}
}

func renderStats(c *cli.Context, r *render.Renderer, st store.Store) error {
	items, err := st.WorkItemStats(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("work item stats failed: %v", err), 1)
	}
	jobs, err := st.JobStats(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("job stats failed: %v", err), 1)
	}
	return r.Render(StatsResponse{WorkItems: items, Jobs: jobs})
}

func renderJobList(c *cli.Context, r *render.Renderer, st store.Store, limit int) error {
	jobs, err := st.ListJobs(c.Context, limit)
	if err != nil {
		return cli.Exit(fmt.Sprintf("list failed: %v", err), 1)
	}
	rows := make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		row := summarizeJob(job)
		// List view truncates errors; the detail view shows them in full.
		row.LastError = truncate(row.LastError, 80)
		rows = append(rows, row)
	}
	return r.Render(rows)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func renderJobDetail(c *cli.Context, r *render.Renderer, st store.Store, jobID string) error {
	job, err := st.GetJob(c.Context, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return cli.Exit(fmt.Sprintf("job %s not found", jobID), 1)
		}
		return cli.Exit(fmt.Sprintf("get job failed: %v", err), 1)
	}

	runs, err := st.ListRunsForJob(c.Context, jobID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("list runs failed: %v", err), 1)
	}

	detail := JobDetail{
		Job:       summarizeJob(job),
		Runs:      make([]RunSummary, 0, len(runs)),
		Artifacts: []ArtifactSummary{},
	}
	for _, run := range runs {
		detail.Runs = append(detail.Runs, summarizeRun(run))
		arts, err := st.ListArtifactsForRun(c.Context, run.RunID)
		if err != nil {
			return cli.Exit(fmt.Sprintf("list artifacts failed: %v", err), 1)
		}
		for _, art := range arts {
			detail.Artifacts = append(detail.Artifacts, ArtifactSummary{
				ArtifactID:   art.ArtifactID,
				RunID:        art.RunID,
				ArtifactType: string(art.ArtifactType),
				ByteCount:    art.ByteCount,
				SHA256:       art.ContentSHA256,
				StoredInSQL:  art.StoredInSQL,
				LakeURI:      art.LakeURI,
			})
		}
	}
	return r.Render(detail)
}

func summarizeJob(job *types.Job) JobSummary {
	return JobSummary{
		JobID:            job.JobID,
		InterrogationKey: job.InterrogationKey,
		Status:           string(job.Status),
		Priority:         job.Priority,
		Attempts:         fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
		LastError:        job.LastError,
		CreatedAt:        formatTime(job.CreatedAt),
	}
}

func summarizeRun(run *types.Run) RunSummary {
	return RunSummary{
		RunID:       run.RunID,
		Status:      string(run.Status),
		ModelName:   run.ModelName,
		StartedAt:   formatTime(run.StartedAt),
		CompletedAt: formatTime(run.CompletedAt),
		Metrics:     string(run.MetricsJSON),
		Error:       run.Error,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
