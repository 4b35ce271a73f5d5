package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/ldi/claimdeck/internal/app"
	"github.com/ldi/claimdeck/internal/config"
	"github.com/ldi/claimdeck/internal/ui"
)

// loadConfig is replaced in tests.
var loadConfig = func() (*config.Config, error) {
	return config.NewEnvReader().Read()
}

// runMenu is replaced in tests.
var runMenu = ui.RunMenu

const menuStatusTimeout = 2 * time.Second

type cli struct {
	cfg    *config.Config
	logger zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

func main() {
	err := execute(os.Args[1:], os.Stdout, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute(args []string, stdout, stderr io.Writer) error {
	flags := pflag.NewFlagSet("claimdeck", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)

	dbPath := flags.String("db-path", "", "Path to the sqlite database")
	snapshotPath := flags.String("snapshot-path", "", "Path to the JSONL snapshot, empty to disable")
	backendName := flags.StringP("backend", "b", "", "Backend: sqlite, postgres or remote")
	serverURL := flags.String("server", "", "Claim server URL for the remote backend")
	cacheDir := flags.String("cache-dir", "", "Directory for the durable cache, empty for memory only")
	user := flags.StringP("user", "u", "", "Acting user for local backends")
	maxActive := flags.Int("max-active", 0, "Maximum active claims per user")
	verbose := flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.Usage = func() {
		printUsage(stderr, flags)
	}

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if flags.Changed("db-path") {
		cfg.DBPath = *dbPath
	}
	if flags.Changed("snapshot-path") {
		cfg.SnapshotPath = *snapshotPath
	}
	if flags.Changed("backend") {
		cfg.Backend = *backendName
	}
	if flags.Changed("server") {
		cfg.Client.ServerURL = *serverURL
	}
	if flags.Changed("cache-dir") {
		cfg.Cache.Dir = *cacheDir
	}
	if flags.Changed("user") {
		cfg.Client.UserID = *user
	}
	if flags.Changed("max-active") {
		cfg.Claims.MaxActive = *maxActive
	}
	if *verbose && cfg.Env == config.EnvProd {
		cfg.Env = config.EnvDev
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Env, stderr)
	if err != nil {
		return err
	}
	c := &cli{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}

	var command string
	var rest []string
	if flags.NArg() == 0 {
		selected, err := runMenu(c.menuStatus())
		if err != nil {
			return fmt.Errorf("failed to run menu: %w", err)
		}
		if selected == "" {
			return nil
		}
		command = selected
	} else {
		command = flags.Arg(0)
		rest = flags.Args()[1:]
	}

	return c.dispatch(command, rest)
}

// menuStatus reports the acting user and their active claim count for the
// menu header. The count stays unknown when the backend cannot answer quickly.
func (c *cli) menuStatus() ui.MenuStatus {
	status := ui.MenuStatus{Active: -1, MaxActive: c.cfg.Claims.MaxActive, Backend: c.cfg.Backend}

	id, err := app.NewIdentity(c.cfg)
	if err != nil {
		c.logger.Debug().Err(err).Msg("menu without identity")
		return status
	}
	userID, err := id.UserID()
	if err != nil {
		return status
	}
	status.UserID = userID

	// Opening sqlite would create the database file.
	if c.cfg.Backend == config.BackendSQLite {
		if _, err := os.Stat(c.cfg.DBPath); err != nil {
			return status
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), menuStatusTimeout)
	defer cancel()
	b, err := app.OpenBackend(ctx, c.cfg, c.logger)
	if err != nil {
		c.logger.Debug().Err(err).Msg("menu without claim count")
		return status
	}
	defer b.Close()

	claims, err := b.FetchClaims(ctx, userID)
	if err != nil {
		c.logger.Debug().Err(err).Msg("menu without claim count")
		return status
	}
	status.Active = 0
	for _, claim := range claims {
		if claim.Status.Active() {
			status.Active++
		}
	}
	return status
}

func (c *cli) dispatch(command string, args []string) error {
	switch command {
	case "init":
		return c.runInit(args)
	case "import":
		return c.runImport(args)
	case "export":
		return c.runExport(args)
	case "serve":
		return c.runServe(args)
	case "mcp":
		return c.runMCP(args)
	case "browse":
		return c.runBrowse(args)
	case "preview":
		return c.runPreview(args)
	case "type":
		return c.runType(args)
	case "search":
		return c.runSearch(args)
	case "mine":
		return c.runMine(args)
	case "claim":
		return c.runClaim(args)
	case "release", "start", "submit", "accept", "reopen":
		return c.runTransition(command, args)
	case "token":
		return c.runToken(args)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: claimdeck [flags] <command> [arguments]")
	fmt.Fprintln(w, "\nRunning `claimdeck` with no command opens the menu.")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  init [dir]              Create .claimdeck/ and initialize the database")
	fmt.Fprintln(w, "  import <file>           Load a JSONL or YAML catalog")
	fmt.Fprintln(w, "  export [file]           Write a JSONL snapshot of tasks and claims")
	fmt.Fprintln(w, "  serve                   Serve the claim API over HTTP")
	fmt.Fprintln(w, "  mcp                     Serve the MCP tools over stdio")
	fmt.Fprintln(w, "  browse                  Browse and claim tasks interactively")
	fmt.Fprintln(w, "  preview                 List the preview of every type")
	fmt.Fprintln(w, "  type <type>             List every task of a type")
	fmt.Fprintln(w, "  search <query>          Search tasks")
	fmt.Fprintln(w, "  mine                    Show my claims")
	fmt.Fprintln(w, "  claim <task-id>         Claim a task")
	fmt.Fprintln(w, "  release|start|submit|accept|reopen <task-id>")
	fmt.Fprintln(w, "  token <user>            Issue an API token for a user")
	fmt.Fprintln(w, "\nFlags:")
	flags.PrintDefaults()
}
