package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"teamsync/internal/app"
	"teamsync/internal/auth"
	"teamsync/internal/database"
	"teamsync/pkg/types"
)

// Fixture is the YAML seed format.
type Fixture struct {
	Tokens   []TokenFixture  `yaml:"tokens"`
	Members  []MemberFixture `yaml:"members"`
	Entities []EntityFixture `yaml:"entities"`
}

type TokenFixture struct {
	Token     string        `yaml:"token"`
	Principal string        `yaml:"principal"`
	Device    string        `yaml:"device"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type MemberFixture struct {
	Scope      string   `yaml:"scope"`
	Principals []string `yaml:"principals"`
}

type EntityFixture struct {
	ID     string                 `yaml:"id"`
	Type   string                 `yaml:"type"`
	Scope  string                 `yaml:"scope"`
	Status string                 `yaml:"status"`
	Fields map[string]interface{} `yaml:"fields"`
}

func loadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	for _, tk := range fx.Tokens {
		if tk.Token == "" || tk.Principal == "" {
			return nil, errors.New("fixture token needs token and principal")
		}
	}
	return &fx, nil
}

// seedCounts reports what a fixture inserted.
type seedCounts struct {
	Tokens, Members, Entities int
}

func applyFixture(ctx context.Context, db *database.Manager, fx *Fixture, now time.Time) (seedCounts, error) {
	var n seedCounts
	for _, tk := range fx.Tokens {
		var expires *time.Time
		if tk.ExpiresIn > 0 {
			t := now.Add(tk.ExpiresIn)
			expires = &t
		}
		if err := db.InsertToken(ctx, auth.HashToken(tk.Token), tk.Principal, tk.Device, expires); err != nil {
			return n, fmt.Errorf("seed token for %s: %w", tk.Principal, err)
		}
		n.Tokens++
	}
	for _, m := range fx.Members {
		for _, p := range m.Principals {
			if err := db.AddScopeMember(ctx, m.Scope, p); err != nil {
				return n, fmt.Errorf("seed member %s of %s: %w", p, m.Scope, err)
			}
			n.Members++
		}
	}
	for _, ef := range fx.Entities {
		e := &types.Entity{
			ID:     ef.ID,
			Type:   ef.Type,
			Scope:  ef.Scope,
			Status: ef.Status,
			Fields: ef.Fields,
		}
		if e.Status == "" && e.Type == types.EntityTask {
			e.Status = types.StatusTodo
		}
		if err := db.InsertEntity(ctx, e); err != nil {
			return n, fmt.Errorf("seed entity %s: %w", ef.ID, err)
		}
		n.Entities++
	}
	return n, nil
}

func newSeedCmd(c *cli) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load tokens, scope members and entities from a YAML fixture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fx, err := loadFixture(file)
			if err != nil {
				return err
			}
			db, _, err := app.OpenDatabase(c.cfg.Database, c.logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			n, err := applyFixture(cmd.Context(), db, fx, time.Now().UTC())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d tokens, %d members, %d entities\n", n.Tokens, n.Members, n.Entities)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML fixture to load")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
