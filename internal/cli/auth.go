package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAuthCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage HTTP Basic authentication",
	}
	cmd.AddCommand(newAuthSetupCommand(a), newAuthStatusCommand(a), newAuthDisableCommand(a))
	return cmd
}

func newAuthSetupCommand(a *app) *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Set the username and password required by the server",
		Long: `Set the username and password required by the server. Only a bcrypt
hash of the password is stored. The password is prompted for on a terminal,
or read from the first line of stdin with --password-stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ensureHome(); err != nil {
				return err
			}
			var (
				password string
				err      error
			)
			if passwordStdin {
				password, err = readPasswordLine(cmd.InOrStdin())
			} else {
				password, err = promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}

			if err := a.credentials().Setup(cmd.Context(), username, password); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Authentication enabled for user %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "username clients must present")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func readPasswordLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func promptPassword(in io.Reader, prompt io.Writer) (string, error) {
	file, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return "", errors.New("stdin is not a terminal; use --password-stdin")
	}

	printf(prompt, "Password: ")
	first, err := term.ReadPassword(int(file.Fd()))
	printf(prompt, "\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	printf(prompt, "Confirm password: ")
	second, err := term.ReadPassword(int(file.Fd()))
	printf(prompt, "\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func newAuthStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether authentication is enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := a.credentials().Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printf(out, "Auth: %s\n", authSummary(status.Configured, status.Enabled, status.Username))
			if status.CreatedAt != nil {
				printf(out, "  configured %s\n", status.CreatedAt.Local().Format(time.DateTime))
			}
			if status.DisabledAt != nil {
				printf(out, "  disabled %s\n", status.DisabledAt.Local().Format(time.DateTime))
			}
			if !status.Enabled && !a.cfg.Server.IsLoopback() {
				printf(out, "  warning: bind %s is reachable from other machines\n", a.cfg.Server.Bind)
			}
			return nil
		},
	}
}

func newAuthDisableCommand(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Explicitly turn authentication off",
		Long: `Explicitly turn authentication off. Deleting the credential file does not
disable authentication; this command is the only way to do it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w: pass --yes to disable authentication", errAborted)
			}
			if err := a.credentials().Disable(cmd.Context()); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Authentication disabled\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm disabling authentication")
	return cmd
}
