package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
)

// StatsCommand returns the stats command: count-by-status for both
// queues. Shorthand for inspect --stats.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show queue statistics",
		Flags:  ReadOnlyFlags(),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
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

	return renderStats(c, r, st)
}
