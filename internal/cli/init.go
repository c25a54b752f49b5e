package cli

import (
	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/pkg/config"
)

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data home",
		Long: `Create the data home, its repos/ directory and a default config.json.

Running init again is safe: existing files are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ensureHome(); err != nil {
				return err
			}
			written, err := config.WriteDefault(a.cfg.Home)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printf(out, "Initialized LGH in %s\n", a.cfg.Home)
			if written {
				printf(out, "  wrote %s\n", a.cfg.ConfigPath())
			}
			printf(out, "Next: `lgh serve`, then `lgh add <path>` for each project.\n")
			return nil
		},
	}
}
