package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/ldi/claimdeck/internal/app"
	"github.com/ldi/claimdeck/internal/config"
	"github.com/ldi/claimdeck/internal/db"
	"github.com/ldi/claimdeck/internal/identity"
	"github.com/ldi/claimdeck/internal/mcp"
	"github.com/ldi/claimdeck/internal/portal"
	"github.com/ldi/claimdeck/internal/ui"
	"github.com/ldi/claimdeck/internal/ui/components"
	"github.com/ldi/claimdeck/pkg/models"
)

const (
	defaultDir      = ".claimdeck"
	defaultDBName   = "claimdeck.db"
	defaultSnapshot = "snapshot.jsonl"
)

// withSession opens the configured backend and a session over it.
// One-shot commands pass noFeed to skip the change feed.
func (c *cli) withSession(ctx context.Context, noFeed bool, fn func(*portal.Session) error) error {
	b, err := app.OpenBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	session, err := app.OpenSession(ctx, c.cfg, b, c.logger, noFeed)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session)
}

func (c *cli) runInit(args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	if c.cfg.Backend != config.BackendSQLite {
		return fmt.Errorf("init needs the sqlite backend, got %s", c.cfg.Backend)
	}

	deckDir := filepath.Join(targetDir, defaultDir)
	if err := os.MkdirAll(deckDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", defaultDir, err)
	}
	fmt.Fprintf(c.stdout, "✓ Created %s/ directory\n", defaultDir)

	gitignorePath := filepath.Join(deckDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(defaultDBName+"*\ncache/\n"), 0644); err != nil {
		return fmt.Errorf("failed to create .gitignore: %w", err)
	}
	fmt.Fprintf(c.stdout, "✓ Created %s/.gitignore\n", defaultDir)

	// Default paths are resolved against the target directory.
	cfg := *c.cfg
	if cfg.DBPath == filepath.Join(defaultDir, defaultDBName) {
		cfg.DBPath = filepath.Join(deckDir, defaultDBName)
	}
	if cfg.SnapshotPath == filepath.Join(defaultDir, defaultSnapshot) {
		cfg.SnapshotPath = filepath.Join(deckDir, defaultSnapshot)
	}

	ctx := context.Background()
	database, err := app.OpenSQLite(ctx, &cfg, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	fmt.Fprintf(c.stdout, "✓ Initialized database at %s\n", cfg.DBPath)

	if cfg.SnapshotPath == "" {
		return nil
	}
	if _, err := os.Stat(cfg.SnapshotPath); err == nil {
		if err := database.ImportSnapshot(ctx, cfg.SnapshotPath); err != nil {
			return fmt.Errorf("failed to import snapshot: %w", err)
		}
		fmt.Fprintf(c.stdout, "✓ Imported snapshot from %s\n", cfg.SnapshotPath)
	}
	return nil
}

func (c *cli) runImport(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: claimdeck import <file>")
	}
	ctx := context.Background()
	b, err := app.OpenBackend(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	n, err := app.ImportCatalog(ctx, b, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "✓ Imported %d tasks from %s\n", n, args[0])
	return nil
}

func (c *cli) runExport(args []string) error {
	if c.cfg.Backend != config.BackendSQLite {
		return app.ErrRemoteBackend
	}
	path := c.cfg.SnapshotPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no snapshot path configured")
	}

	ctx := context.Background()
	database, err := db.Open(c.cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Init(ctx); err != nil {
		return err
	}
	if err := database.ExportSnapshot(ctx, path); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "✓ Exported snapshot to %s\n", path)
	return nil
}

func (c *cli) runServe(args []string) error {
	serveFlags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	serveFlags.SetOutput(c.stderr)
	host := serveFlags.String("host", c.cfg.HTTP.Host, "Host to listen on")
	port := serveFlags.StringP("port", "p", c.cfg.HTTP.Port, "Port to listen on")
	if err := serveFlags.Parse(args); err != nil {
		return err
	}
	if c.cfg.Backend == config.BackendRemote {
		return app.ErrRemoteBackend
	}

	cfg := *c.cfg
	cfg.HTTP.Host = *host
	cfg.HTTP.Port = *port

	ctx := context.Background()
	b, err := app.OpenBackend(ctx, &cfg, c.logger)
	if err != nil {
		return err
	}
	defer b.Close()

	srv, err := app.NewServer(&cfg, b, c.logger)
	if err != nil {
		return err
	}
	c.logger.Info().Str("host", cfg.HTTP.Host).Str("port", cfg.HTTP.Port).Msg("serving claim api")
	return app.ListenAndServe(ctx, &cfg, srv, c.logger)
}

func (c *cli) runMCP(args []string) error {
	return c.withSession(context.Background(), false, func(session *portal.Session) error {
		return mcp.Serve(mcp.NewServer(session))
	})
}

func (c *cli) runBrowse(args []string) error {
	ctx := context.Background()
	return c.withSession(ctx, false, func(session *portal.Session) error {
		return ui.RunBrowse(ctx, session)
	})
}

func (c *cli) runPreview(args []string) error {
	ctx := context.Background()
	return c.withSession(ctx, true, func(session *portal.Session) error {
		sections, err := session.Gallery().Sections(ctx)
		if sections == nil && err != nil {
			return err
		}
		if err != nil {
			fmt.Fprintf(c.stderr, "Warning: showing cached catalog: %v\n", err)
		}
		for i, sec := range sections {
			if i > 0 {
				fmt.Fprintln(c.stdout)
			}
			fmt.Fprintf(c.stdout, "%s (%d/%d available)\n", sec.Type, sec.Count.Available, sec.Count.Total)
			printTasks(c.stdout, sec.Tasks)
			if sec.HasMore {
				fmt.Fprintf(c.stdout, "  ... run `claimdeck type %s` for the rest\n", sec.Type)
			}
		}
		return nil
	})
}

func (c *cli) runType(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: claimdeck type <type>")
	}
	ctx := context.Background()
	return c.withSession(ctx, true, func(session *portal.Session) error {
		tasks, err := session.Gallery().Category(ctx, args[0])
		if err != nil {
			return err
		}
		printTasks(c.stdout, tasks)
		return nil
	})
}

func (c *cli) runSearch(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: claimdeck search <query>")
	}
	ctx := context.Background()
	return c.withSession(ctx, true, func(session *portal.Session) error {
		tasks, err := session.Catalog().Search(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		printTasks(c.stdout, tasks)
		return nil
	})
}

func (c *cli) runMine(args []string) error {
	ctx := context.Background()
	return c.withSession(ctx, true, func(session *portal.Session) error {
		if _, err := session.UserID(); err != nil {
			return err
		}
		l := session.Ledger()
		if err := l.Sync(ctx); err != nil {
			fmt.Fprintf(c.stderr, "Warning: showing cached claims: %v\n", err)
		}
		board := components.NewClaimsBoard(80)
		board.SetClaims(l.ListMine(), l.MaxActive())
		fmt.Fprintln(c.stdout, board.View())
		return nil
	})
}

func (c *cli) runClaim(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: claimdeck claim <task-id>")
	}
	ctx := context.Background()
	return c.withSession(ctx, true, func(session *portal.Session) error {
		claim, err := session.Mutations().Claim(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "✓ Claimed %s\n", claim.TaskID)
		return nil
	})
}

func (c *cli) runTransition(verb string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: claimdeck %s <task-id>", verb)
	}
	action, ok := models.ParseAction(verb)
	if !ok {
		return fmt.Errorf("unknown action: %s", verb)
	}

	ctx := context.Background()
	return c.withSession(ctx, true, func(session *portal.Session) error {
		claim, err := session.Mutations().Transition(ctx, args[0], action)
		if err != nil {
			return err
		}
		if action == models.ActionRelease {
			fmt.Fprintf(c.stdout, "✓ Released %s\n", args[0])
			return nil
		}
		fmt.Fprintf(c.stdout, "✓ %s is now %s\n", claim.TaskID, claim.Status)
		return nil
	})
}

func (c *cli) runToken(args []string) error {
	tokenFlags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	tokenFlags.SetOutput(c.stderr)
	ttl := tokenFlags.Duration("ttl", c.cfg.Auth.TokenTTL, "Token lifetime")
	if err := tokenFlags.Parse(args); err != nil {
		return err
	}
	if tokenFlags.NArg() != 1 {
		return errors.New("usage: claimdeck token <user>")
	}
	if c.cfg.Auth.SigningKey == "" {
		return errors.New("JWT_SIGNING_KEY is required to issue tokens")
	}

	token, err := identity.IssueToken(tokenFlags.Arg(0), []byte(c.cfg.Auth.SigningKey), *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, token)
	return nil
}

func printTasks(w io.Writer, tasks []models.Task) {
	fmt.Fprintf(w, "%-24s %-18s %-18s %-10s %-8s\n", "ID", "CATEGORY", "SUBCATEGORY", "DIFFICULTY", "CLAIMED")
	fmt.Fprintln(w, strings.Repeat("-", 82))
	for _, t := range tasks {
		claimed := ""
		if t.IsClaimed {
			claimed = "yes"
		}
		fmt.Fprintf(w, "%-24s %-18s %-18s %-10s %-8s\n", t.ID, t.Category, t.Subcategory, t.Difficulty, claimed)
	}
}
