package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/internal/daemon"
	"github.com/JoeGlenn1213/lgh/internal/project"
	"github.com/JoeGlenn1213/lgh/internal/registry"
)

func newAddCommand(a *app) *cobra.Command {
	var (
		name string
		push bool
	)
	cmd := &cobra.Command{
		Use:   "add <path>",
		Short: "Host a repository",
		Long: `Host a repository.

A bare repository is registered where it is. Any other directory is treated
as a project: it becomes a work tree if needed, a bare repository is created
under repos/<name>.git and registered, and the project's "lgh" remote is
pointed at it. --push sends the current branch right away.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if info, err := os.Stat(path); err != nil || !info.IsDir() {
				return fmt.Errorf("%w: %s is not a directory", registry.ErrInvalidPath, path)
			}
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}

			if project.IsBare(path) {
				if name == "" {
					name = strings.TrimSuffix(filepath.Base(path), ".git")
				}
				entry, err := reg.Register(ctx, name, path)
				if err != nil {
					return err
				}
				printf(out, "Registered %s -> %s\n", entry.Name, a.cloneURL(entry.Name))
				return nil
			}

			if name == "" {
				name = filepath.Base(path)
			}
			name = registry.NormalizeName(name)
			if err := registry.ValidateName(name); err != nil {
				return fmt.Errorf("%w (choose another with --name)", err)
			}
			proj, err := project.Init(path, a.cfg.Git.DefaultBranch, a.runner, a.cfg.Git.Binary)
			if err != nil {
				return err
			}

			barePath := filepath.Join(a.cfg.ReposDir(), name+".git")
			_, statErr := os.Stat(barePath)
			created := errors.Is(statErr, os.ErrNotExist)
			if err := os.MkdirAll(barePath, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", barePath, err)
			}
			entry, err := reg.Register(ctx, name, barePath)
			if err != nil {
				if created {
					_ = os.RemoveAll(barePath)
				}
				return err
			}

			url := a.cloneURL(entry.Name)
			if err := proj.SetRemote(url); err != nil {
				return err
			}
			printf(out, "Registered %s -> %s\n", entry.Name, url)
			printf(out, "  remote %q of %s now points there\n", project.RemoteName, proj.Root)

			if push {
				if err := proj.Push(ctx); err != nil {
					return fmt.Errorf("push: %w", err)
				}
				printf(out, "Pushed to %s\n", project.RemoteName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "repository name (default: directory name)")
	cmd.Flags().BoolVar(&push, "push", false, "push the current branch after registering")
	return cmd
}

func newRemoveCommand(a *app) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Stop hosting a repository",
		Long: `Stop hosting a repository. Its files stay on disk unless --purge is
given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			entry, err := reg.Unregister(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printf(out, "Removed %s\n", entry.Name)
			if purge {
				if err := os.RemoveAll(entry.Path); err != nil {
					return fmt.Errorf("purge %s: %w", entry.Path, err)
				}
				printf(out, "  deleted %s\n", entry.Path)
			} else {
				printf(out, "  files kept at %s\n", entry.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the repository directory")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, auth and repository state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if pid, alive := daemon.Running(a.cfg.PidPath()); alive {
				printf(out, "Daemon:  running (pid %d)\n", pid)
			} else {
				printf(out, "Daemon:  stopped\n")
			}
			printf(out, "Bind:    %s\n", a.cfg.Server.GetServerAddress())
			printf(out, "URL:     %s\n", a.cfg.Server.GetCloneBaseUrl())
			printf(out, "Home:    %s\n", a.cfg.Home)

			status, err := a.credentials().Status(ctx)
			if err != nil {
				return err
			}
			printf(out, "Auth:    %s\n", authSummary(status.Configured, status.Enabled, status.Username))

			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			entries, err := reg.List(ctx)
			if err != nil {
				return err
			}
			printf(out, "Repositories (%d):\n", len(entries))
			for _, entry := range entries {
				printf(out, "  %-24s %s\n", entry.Name, entry.Path)
			}
			return nil
		},
	}
}

func authSummary(configured, enabled bool, username string) string {
	switch {
	case enabled:
		return "enabled (user " + username + ")"
	case configured:
		return "disabled"
	default:
		return "not configured"
	}
}

func newCloneCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clone <name> [dir]",
		Short: "Clone a hosted repository from the local server",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			entry, err := reg.Resolve(ctx, args[0])
			if err != nil {
				return err
			}

			dir := entry.Name
			if len(args) == 2 {
				dir = args[1]
			}
			url := a.cloneURL(entry.Name)
			if err := project.Clone(ctx, a.runner, a.cfg.Git.Binary, url, dir); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Cloned %s into %s\n", url, dir)
			return nil
		},
	}
}

func newRepoCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Inspect hosted repositories",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [name]",
		Short: "Show a hosted repository",
		Long: `Show a hosted repository: its registry entry, hosted refs and last
activity. Without a name, the repository behind the current project's "lgh"
remote is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := ""
			if len(args) == 1 {
				name = args[0]
			} else {
				proj, err := a.openProject()
				if err != nil {
					return err
				}
				url, err := proj.RemoteURL()
				if err != nil {
					return err
				}
				name = nameFromURL(url)
			}

			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			entry, err := reg.Resolve(ctx, name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printf(out, "Name:     %s\n", entry.Name)
			printf(out, "Path:     %s\n", entry.Path)
			printf(out, "URL:      %s\n", a.cloneURL(entry.Name))
			printf(out, "Created:  %s\n", entry.CreatedAt.Local().Format(time.DateTime))
			if entry.LastActivityAt != nil {
				printf(out, "Activity: %s\n", entry.LastActivityAt.Local().Format(time.DateTime))
			} else {
				printf(out, "Activity: none\n")
			}

			refs, err := hostedRefs(entry.Path)
			if err != nil {
				return fmt.Errorf("read refs: %w", err)
			}
			printf(out, "Refs (%d):\n", len(refs))
			for _, ref := range refs {
				printf(out, "  %s %s\n", ref.Hash().String()[:12], ref.Name())
			}
			return nil
		},
	})
	return cmd
}

func hostedRefs(path string) ([]*plumbing.Reference, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	iter, err := repo.References()
	if err != nil {
		return nil, err
	}
	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference {
			refs = append(refs, ref)
		}
		return nil
	})
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name() < refs[j].Name() })
	return refs, err
}

func newRemoteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage the current project's lgh remote",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Point the lgh remote at a hosted repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}
			entry, err := reg.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			proj, err := a.openProject()
			if err != nil {
				return err
			}
			url := a.cloneURL(entry.Name)
			if err := proj.SetRemote(url); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "Remote %q of %s -> %s\n", project.RemoteName, proj.Root, url)
			return nil
		},
	})
	return cmd
}
