package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
)

// AdminResponse reports a bulk queue mutation.
type AdminResponse struct {
	Source string `json:"source"`
	Moved  int    `json:"moved"`
}

// AdminCommand returns the admin command group: bulk work-item mutations
// scoped to one source.
func AdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Administrative queue operations",
		Subcommands: []*cli.Command{
			{
				Name:      "mark-source-failed",
				Usage:     "Force-fail every non-terminal work item of a source",
				ArgsUsage: "<source>",
				Flags:     ReadOnlyFlags(),
				Action:    markSourceFailedAction,
			},
			{
				Name:      "reset-completed",
				Usage:     "Return a source's completed work items to pending for re-ingestion",
				ArgsUsage: "<source>",
				Flags:     ReadOnlyFlags(),
				Action:    resetCompletedAction,
			},
		},
	}
}

func markSourceFailedAction(c *cli.Context) error {
	return adminAction(c, "mark-source-failed")
}

func resetCompletedAction(c *cli.Context) error {
	return adminAction(c, "reset-completed")
}

func adminAction(c *cli.Context, op string) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	source := c.Args().First()
	if source == "" {
		return cli.Exit(fmt.Sprintf("%s requires a source name argument", op), 1)
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

	var moved int
	switch op {
	case "mark-source-failed":
		moved, err = st.MarkSourceFailed(c.Context, source)
	case "reset-completed":
		moved, err = st.ResetCompletedToPending(c.Context, source)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s failed: %v", op, err), 1)
	}

	return r.Render(AdminResponse{Source: source, Moved: moved})
}
