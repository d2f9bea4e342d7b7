package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/render"
	"github.com/pithecene-io/seam/dispatch"
	"github.com/pithecene-io/seam/llm"
	"github.com/pithecene-io/seam/metrics"
	"github.com/pithecene-io/seam/registry"
)

// DispatchResponse summarizes a dispatcher invocation.
type DispatchResponse struct {
	Metrics metrics.Snapshot `json:"metrics"`
}

// DispatchCommand returns the dispatch command: the LLM dispatcher
// process. It polls the job queue until interrupted.
func DispatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "dispatch",
		Usage: "Run the LLM dispatcher",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "worker-id",
				Usage: "Worker identity prefix for lease ownership",
			},
			&cli.IntFlag{
				Name:  "max-workers",
				Usage: "Concurrent dispatch workers",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Forbid provider calls and lake writes",
			},
		),
		Action: dispatchAction,
	}
}

func dispatchAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	dcfg := cfg.Dispatch.DispatchConfig()
	if v := c.String("worker-id"); v != "" {
		dcfg.WorkerID = v
	}
	if c.IsSet("max-workers") {
		dcfg.MaxWorkers = c.Int("max-workers")
	}
	if c.Bool("dry-run") {
		dcfg.Mode = registry.ModeDryRun
	}

	client, err := llm.NewOllama(cfg.LLM)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	reg := registry.New()
	if err := dispatch.RegisterBuiltins(reg, client, cfg.Evidence, cfg.LLM.DefaultModel); err != nil {
		return cli.Exit(err.Error(), 1)
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

	bus, err := buildAdapter(cfg)
	if err != nil {
		return err
	}

	backend := cfg.Storage.Backend
	if backend == "" {
		backend = "fs"
	}
	collector := metrics.NewCollector(dcfg.WorkerID, backend)

	opts := []dispatch.Option{dispatch.WithCollector(collector)}
	if bus != nil {
		opts = append(opts, dispatch.WithAdapter(bus))
	}

	d := dispatch.New(dcfg, st, reg, lk, opts...)
	d.Run(ctx)

	return r.Render(DispatchResponse{Metrics: collector.Snapshot()})
}
