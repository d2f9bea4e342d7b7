package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/adapter"
	"github.com/pithecene-io/seam/adapter/redis"
	"github.com/pithecene-io/seam/adapter/webhook"
	"github.com/pithecene-io/seam/cli/config"
	"github.com/pithecene-io/seam/connector"
	"github.com/pithecene-io/seam/lake"
	"github.com/pithecene-io/seam/store"
	"github.com/pithecene-io/seam/store/mem"
	"github.com/pithecene-io/seam/store/postgres"
)

// loadConfig reads the config file named by --config.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return cfg, nil
}

// openStore connects the queue store selected by state.backend. Callers
// must Close it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.State.Backend {
	case "", "postgres":
		if cfg.State.DSN == "" {
			return nil, cli.Exit("state.dsn is not configured (set it in seam.yaml or SEAM_POSTGRES_DSN)", 1)
		}
		st, err := postgres.New(ctx, cfg.State.DSN, cfg.State.StoreConfig())
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("cannot connect to store: %v", err), 1)
		}
		return st, nil
	case "mem":
		return mem.New(cfg.State.StoreConfig()), nil
	default:
		return nil, cli.Exit(fmt.Sprintf("unknown state backend %q (want postgres or mem)", cfg.State.Backend), 1)
	}
}

// openLake builds the lake backend selected by storage.backend.
func openLake(ctx context.Context, cfg *config.Config) (lake.Store, error) {
	switch cfg.Storage.Backend {
	case "", "fs":
		path := cfg.Storage.Path
		if path == "" {
			path = "./lake"
		}
		lk, err := lake.NewFSStore(path)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("cannot open lake at %s: %v", path, err), 1)
		}
		return lk, nil
	case "s3":
		lk, err := lake.NewS3Store(ctx, cfg.Storage.S3())
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("cannot open s3 lake: %v", err), 1)
		}
		return lk, nil
	default:
		return nil, cli.Exit(fmt.Sprintf("unknown storage backend %q (want fs or s3)", cfg.Storage.Backend), 1)
	}
}

// buildAdapter constructs the completion-event adapter, or nil when the
// config names none.
func buildAdapter(cfg *config.Config) (adapter.Adapter, error) {
	ac := cfg.Adapter
	switch ac.Type {
	case "":
		return nil, nil
	case "redis":
		rc := redis.Config{
			URL:     ac.URL,
			Channel: ac.Channel,
			Timeout: ac.Timeout.Duration,
		}
		if ac.Retries != nil {
			rc.Retries = *ac.Retries
		} else {
			rc.Retries = redis.DefaultRetries
		}
		a, err := redis.New(rc)
		if err != nil {
			return nil, cli.Exit(err.Error(), 1)
		}
		return a, nil
	case "webhook":
		wc := webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Timeout: ac.Timeout.Duration,
		}
		if ac.Retries != nil {
			wc.Retries = *ac.Retries
		} else {
			wc.Retries = webhook.DefaultRetries
		}
		a, err := webhook.New(wc)
		if err != nil {
			return nil, cli.Exit(err.Error(), 1)
		}
		return a, nil
	default:
		return nil, cli.Exit(fmt.Sprintf("unknown adapter type %q (want redis or webhook)", ac.Type), 1)
	}
}

// buildConnectors constructs one HTTP connector per configured source,
// keyed by source name.
func buildConnectors(cfg *config.Config) (map[string]connector.Connector, error) {
	connectors := make(map[string]connector.Connector, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		if sc.Name == "" {
			return nil, cli.Exit("sources entry has no name", 1)
		}
		if _, dup := connectors[sc.Name]; dup {
			return nil, cli.Exit(fmt.Sprintf("duplicate source %q", sc.Name), 1)
		}
		conn, err := connector.NewHTTP(sc)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("source %q: %v", sc.Name, err), 1)
		}
		connectors[sc.Name] = conn
	}
	return connectors, nil
}
