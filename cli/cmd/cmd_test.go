package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/seam/cli/config"
	"github.com/pithecene-io/seam/connector"
	"github.com/pithecene-io/seam/proxy"
)

// newTestApp wraps commands in an app whose exit handler never calls
// os.Exit, so actions return their cli.Exit errors to the test.
func newTestApp(cmds ...*cli.Command) *cli.App {
	return &cli.App{
		Name:           "seam",
		Commands:       cmds,
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func runExpectingError(t *testing.T, app *cli.App, args ...string) error {
	t.Helper()
	err := app.Run(append([]string{"seam"}, args...))
	if err == nil {
		t.Fatal("expected an error")
	}
	return err
}

func TestReadOnlyFlags_IncludesConfig(t *testing.T) {
	hasConfig := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "config" {
			hasConfig = true
			break
		}
	}
	if !hasConfig {
		t.Error("ReadOnlyFlags should include --config")
	}
}

func TestEnqueue_RequiresEvidence(t *testing.T) {
	app := newTestApp(EnqueueCommand())
	err := runExpectingError(t, app,
		"enqueue", "--entity-type", "page", "--entity-id", "p1")
	if !strings.Contains(err.Error(), "evidence") {
		t.Errorf("err = %v, want evidence requirement", err)
	}
}

func TestEnqueue_RejectsMalformedEvidence(t *testing.T) {
	app := newTestApp(EnqueueCommand())
	err := runExpectingError(t, app,
		"enqueue", "--entity-type", "page", "--entity-id", "p1",
		"--evidence", "no-separator")
	if !strings.Contains(err.Error(), "name=content") {
		t.Errorf("err = %v, want name=content hint", err)
	}
}

func TestEnqueue_MissingEvidenceFile(t *testing.T) {
	app := newTestApp(EnqueueCommand())
	err := runExpectingError(t, app,
		"enqueue", "--entity-type", "page", "--entity-id", "p1",
		"--evidence-file", filepath.Join(t.TempDir(), "absent.txt"))
	if !strings.Contains(err.Error(), "cannot read evidence file") {
		t.Errorf("err = %v", err)
	}
}

func TestEnqueue_UnconfiguredStoreFails(t *testing.T) {
	// Valid evidence but no state.dsn: the action must stop at wiring.
	path := filepath.Join(t.TempDir(), "seam.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	app := newTestApp(EnqueueCommand())
	err := runExpectingError(t, app,
		"enqueue", "--config", path, "--format", "json",
		"--entity-type", "page", "--entity-id", "p1",
		"--evidence", "title=Hello")
	if !strings.Contains(err.Error(), "state.dsn") {
		t.Errorf("err = %v, want state.dsn complaint", err)
	}
}

func writeMemConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seam.yaml")
	if err := os.WriteFile(path, []byte("state:\n  backend: mem\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnqueue_MemBackend(t *testing.T) {
	app := newTestApp(EnqueueCommand())
	err := app.Run([]string{"seam", "enqueue",
		"--config", writeMemConfig(t), "--format", "json",
		"--entity-type", "page", "--entity-id", "p1",
		"--evidence", "title=Hello"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
}

func TestStats_MemBackend(t *testing.T) {
	app := newTestApp(StatsCommand())
	err := app.Run([]string{"seam", "stats",
		"--config", writeMemConfig(t), "--format", "json"})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
}

func TestList_MemBackend(t *testing.T) {
	app := newTestApp(ListCommand())
	err := app.Run([]string{"seam", "list",
		"--config", writeMemConfig(t), "--format", "json"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.State.Backend = "sqlite"
	if _, err := openStore(t.Context(), cfg); err == nil {
		t.Fatal("unknown state backend should fail")
	}
}

func TestInspect_RequiresExactlyOneMode(t *testing.T) {
	app := newTestApp(InspectCommand())

	err := runExpectingError(t, app, "inspect")
	if !strings.Contains(err.Error(), "exactly one") {
		t.Errorf("err = %v", err)
	}

	err = runExpectingError(t, app, "inspect", "--list", "--stats")
	if !strings.Contains(err.Error(), "exactly one") {
		t.Errorf("err = %v", err)
	}
}

func TestAdmin_RequiresSourceArgument(t *testing.T) {
	app := newTestApp(AdminCommand())
	err := runExpectingError(t, app, "admin", "mark-source-failed")
	if !strings.Contains(err.Error(), "source name") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildAdapter_NoneConfigured(t *testing.T) {
	a, err := buildAdapter(&config.Config{})
	if err != nil {
		t.Fatalf("buildAdapter failed: %v", err)
	}
	if a != nil {
		t.Error("empty adapter type should yield nil adapter")
	}
}

func TestBuildAdapter_Webhook(t *testing.T) {
	cfg := &config.Config{}
	cfg.Adapter.Type = "webhook"
	cfg.Adapter.URL = "https://hooks.example.org/seam"
	a, err := buildAdapter(cfg)
	if err != nil {
		t.Fatalf("buildAdapter failed: %v", err)
	}
	if a == nil {
		t.Fatal("webhook adapter should not be nil")
	}
}

func TestBuildAdapter_UnknownType(t *testing.T) {
	cfg := &config.Config{}
	cfg.Adapter.Type = "carrier-pigeon"
	if _, err := buildAdapter(cfg); err == nil {
		t.Fatal("unknown adapter type should fail")
	}
}

func TestBuildConnectors_KeyedByName(t *testing.T) {
	cfg := &config.Config{
		Sources: []connector.HTTPConfig{
			{Name: "webarchive"},
			{Name: "registry"},
		},
	}
	connectors, err := buildConnectors(cfg)
	if err != nil {
		t.Fatalf("buildConnectors failed: %v", err)
	}
	if len(connectors) != 2 {
		t.Fatalf("connectors = %d, want 2", len(connectors))
	}
	if connectors["webarchive"].Name() != "webarchive" {
		t.Error("connector not keyed by source name")
	}
}

func TestBuildConnectors_DuplicateName(t *testing.T) {
	cfg := &config.Config{
		Sources: []connector.HTTPConfig{
			{Name: "webarchive"},
			{Name: "webarchive"},
		},
	}
	if _, err := buildConnectors(cfg); err == nil {
		t.Fatal("duplicate source name should fail")
	}
}

func TestBuildConnectors_InvalidProxyPool(t *testing.T) {
	cfg := &config.Config{
		Sources: []connector.HTTPConfig{
			{Name: "webarchive", Proxies: &proxy.Pool{Name: "pool"}},
		},
	}
	if _, err := buildConnectors(cfg); err == nil {
		t.Fatal("pool without endpoints should fail construction")
	}
}

func TestOpenLake_FS(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Backend = "fs"
	cfg.Storage.Path = t.TempDir()
	lk, err := openLake(t.Context(), cfg)
	if err != nil {
		t.Fatalf("openLake failed: %v", err)
	}
	if lk == nil {
		t.Fatal("lake should not be nil")
	}
}

func TestOpenLake_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Backend = "tape"
	if _, err := openLake(t.Context(), cfg); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestVersionCommand_Renders(t *testing.T) {
	app := newTestApp(VersionCommand("abc1234"))
	if err := app.Run([]string{"seam", "version", "--format", "json"}); err != nil {
		t.Fatalf("version failed: %v", err)
	}
}
