package app

import (
	"context"
	"database/sql"
	"fmt"

	"promptline/internal/config"
	"promptline/internal/db"
	"promptline/internal/engine"
	"promptline/internal/migrate"
)

// Context bundles the opened workspace handles the CLI and server
// share.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares a workspace: database opened and migrated, config
// loaded (defaults when promptline.yml is absent) and a fallback
// template seeded so dispatch always resolves a prompt.
func Open(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if err := seedFallbackTemplate(ctx, e); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed fallback template: %w", err)
	}
	return &Context{DB: conn, Config: cfg, Engine: e}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// seedFallbackTemplate installs a catch-all template on first open so
// a fresh workspace hands out usable prompts before anyone curates
// templates. It matches every issue at the lowest specificity.
func seedFallbackTemplate(ctx context.Context, e engine.Engine) error {
	count, err := e.Repo.CountTemplates(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	tmpl, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
		Slug:    "fallback",
		Name:    "Fallback prompt",
		Body:    defaultPromptBody,
		ActorID: "system",
	})
	if err != nil {
		return err
	}
	versions, err := e.Repo.ListVersions(ctx, tmpl.ID, 1)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("fallback template has no version")
	}
	_, err = e.PromoteVersion(ctx, tmpl.ID, versions[0].ID, "system")
	return err
}

const defaultPromptBody = `You are working on issue #{{number}}: {{title}}

Type: {{type}}
Priority: {{priority}}

{{description}}

Complete the work described above. When finished, report the outcome
and reference any commits or pull requests you produced.`
