package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
)

// ListCommand returns the list command: recent jobs, newest first.
// Shorthand for inspect --list.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List recent jobs",
		Flags: append(ReadOnlyFlags(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum jobs to list",
				Value: 20,
			},
		),
		Action: listAction,
	}
}

func listAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
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

	return renderJobList(c, r, st, c.Int("limit"))
}
