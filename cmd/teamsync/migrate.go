package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"teamsync/internal/app"
)

func newMigrateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, applied, err := app.OpenDatabase(c.cfg.Database, c.logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				_, err = fmt.Fprintln(out, "schema up to date")
				return err
			}
			for _, v := range applied {
				if _, err := fmt.Fprintf(out, "applied %s\n", v); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}
