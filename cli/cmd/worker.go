package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
	"github.com/pithecene-io/seam/metrics"
	"github.com/pithecene-io/seam/runner"
)

// WorkerResponse summarizes a runner invocation.
type WorkerResponse struct {
	Processed int              `json:"processed"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

// WorkerCommand returns the worker command: the ingest runner process.
// With --max-items it drains that many items and exits; otherwise it
// polls until interrupted.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run the ingest worker",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "worker-id",
				Usage: "Worker identity for lease ownership",
			},
			&cli.IntFlag{
				Name:  "max-items",
				Usage: "Stop after processing this many items (0 = run until interrupted)",
			},
		),
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	rcfg := cfg.Runner.RunnerConfig()
	if v := c.String("worker-id"); v != "" {
		rcfg.WorkerID = v
	}
	if c.IsSet("max-items") {
		rcfg.MaxItems = c.Int("max-items")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	lk, err := openLake(ctx, cfg)
	if err != nil {
		return err
	}

	connectors, err := buildConnectors(cfg)
	if err != nil {
		return err
	}
	if len(connectors) == 0 {
		return cli.Exit("config has no sources", 1)
	}

	backend := cfg.Storage.Backend
	if backend == "" {
		backend = "fs"
	}
	collector := metrics.NewCollector(rcfg.WorkerID, backend)

	run := runner.New(rcfg, st, lk, connectors, runner.WithCollector(collector))
	processed, err := run.Run(ctx)
	if err != nil && ctx.Err() == nil {
		return cli.Exit(fmt.Sprintf("worker failed: %v", err), 1)
	}

	return r.Render(WorkerResponse{
		Processed: processed,
		Metrics:   collector.Snapshot(),
	})
}
