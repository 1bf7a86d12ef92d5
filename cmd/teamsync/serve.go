package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"teamsync/internal/app"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApplication(c.cfg, c.logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx)
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP port")
	_ = c.v.BindPFlag("http.port", cmd.Flags().Lookup("port"))
	return cmd
}
