package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/internal/daemon"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		bind string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the LGH daemon in the foreground",
		Long: `Run the LGH daemon in the foreground until interrupted.

The daemon serves the git smart-HTTP protocol, the JSON API under /api/v1
and the event socket. It binds to 127.0.0.1 unless --bind says otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("bind") {
				a.cfg.Server.Bind = bind
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			d, err := daemon.New(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "LGH serving %s (data home %s)\n", a.cfg.Server.GetCloneBaseUrl(), a.cfg.Home)
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default from config, 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default from config, 9418)")
	return cmd
}
