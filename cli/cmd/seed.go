package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
)

// SeedResponse is the response for the seed command.
type SeedResponse struct {
	Enqueued int `json:"enqueued"`
	Deduped  int `json:"deduped"`
}

// SeedCommand returns the seed command: enqueue the work items listed
// under seeds in the config file. Re-running is safe; duplicates dedupe.
func SeedCommand() *cli.Command {
	return &cli.Command{
		Name:   "seed",
		Usage:  "Enqueue the configured seed work items",
		Flags:  ReadOnlyFlags(),
		Action: seedAction,
	}
}

func seedAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if len(cfg.Seeds) == 0 {
		return cli.Exit("config has no seeds", 1)
	}

	st, err := openStore(c.Context, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var resp SeedResponse
	for _, seed := range cfg.Seeds {
		item := seed.WorkItem()
		if err := item.Validate(); err != nil {
			return cli.Exit(fmt.Sprintf("seed %s: %v", item.DedupeKey(), err), 1)
		}
		inserted, err := st.EnqueueWorkItem(c.Context, item)
		if err != nil {
			return cli.Exit(fmt.Sprintf("seed %s: %v", item.DedupeKey(), err), 1)
		}
		if inserted {
			resp.Enqueued++
		} else {
			resp.Deduped++
		}
	}

	return r.Render(resp)
}
