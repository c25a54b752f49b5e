package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/internal/project"
)

func newSaveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "save [message]",
		Short: "Commit all changes of the current project",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.openProject()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = proj.CommitAll(cmd.Context(), strings.Join(args, " "))
			if errors.Is(err, project.ErrNothingToCommit) {
				printf(out, "Nothing to commit.\n")
				return nil
			}
			if err != nil {
				return err
			}
			printf(out, "Saved.\n")
			return nil
		},
	}
}

func newUpCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "up [message]",
		Short: "Commit all changes and push them to the lgh remote",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			proj, err := a.openProject()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = proj.CommitAll(cmd.Context(), strings.Join(args, " "))
			switch {
			case errors.Is(err, project.ErrNothingToCommit):
				printf(out, "Nothing to commit.\n")
			case err != nil:
				return err
			default:
				printf(out, "Saved.\n")
			}

			if err := proj.Push(cmd.Context()); err != nil {
				return err
			}
			printf(out, "Pushed to %s.\n", project.RemoteName)
			return nil
		},
	}
}
