package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/internal/doctor"
)

func newDoctorCommand(a *app) *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the data home for problems",
		Long: `Check the data home for problems.

Runs diagnostic checks on the registry, the credential file, the event log,
the git binary and the daemon files. Use --fix to truncate a torn final
line of the event log; nothing else is repaired automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			doc := doctor.NewDoctor(a.cfg, a.runner)

			result := doc.Check(cmd.Context())
			if fix {
				repaired, err := doc.Fix(result)
				for _, line := range repaired {
					printf(out, "Fixed: %s\n", line)
				}
				if err != nil {
					return err
				}
				if len(repaired) > 0 {
					result = doc.Check(cmd.Context())
				}
			}

			if len(result.Findings) == 0 {
				printf(out, "LGH is healthy.\n")
				return nil
			}
			printf(out, "Findings (%d):\n", len(result.Findings))
			for _, f := range result.Findings {
				suffix := ""
				if f.Fixable {
					suffix = " (fixable with --fix)"
				}
				printf(out, "  [%s] %s: %s%s\n", f.Severity, f.Category, f.Description, suffix)
			}

			if !result.Healthy {
				return errors.New("doctor found problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "repair what can be repaired safely")
	return cmd
}
