// Package cli is the lgh command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JoeGlenn1213/lgh/internal/buildinfo"
	"github.com/JoeGlenn1213/lgh/internal/credential"
	"github.com/JoeGlenn1213/lgh/internal/events"
	"github.com/JoeGlenn1213/lgh/internal/project"
	"github.com/JoeGlenn1213/lgh/internal/registry"
	"github.com/JoeGlenn1213/lgh/pkg/config"
	"github.com/JoeGlenn1213/lgh/pkg/log"
)

// app is the state shared by every command of one invocation.
type app struct {
	home    string
	verbose bool

	cfg      *config.Config
	runner   project.CommandRunner
	flushLog func()
}

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{runner: project.NewExecRunner()})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lgh",
		Short: "LGH - LocalGitHub",
		Long: `LGH hosts git repositories from this machine over smart HTTP.

It keeps a registry of hosted repositories, guards them with optional
HTTP Basic authentication and records every push, fetch and registry change
in an append-only event log that can be replayed or streamed.`,
		Version:           buildinfo.Version(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.load,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.flushLog != nil {
				a.flushLog()
			}
		},
	}
	root.SetVersionTemplate(buildinfo.String() + "\n")
	root.PersistentFlags().StringVar(&a.home, "home", "", "data home (default $LGH_HOME or ~/.localgithub)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at the configured level instead of warnings only")

	root.AddCommand(
		newInitCommand(a),
		newServeCommand(a),
		newAddCommand(a),
		newRemoveCommand(a),
		newStatusCommand(a),
		newAuthCommand(a),
		newCloneCommand(a),
		newRepoCommand(a),
		newRemoteCommand(a),
		newDoctorCommand(a),
		newUpCommand(a),
		newSaveCommand(a),
		newEventsCommand(a),
	)
	return root
}

// Execute runs the root command and exits 1 on any failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lgh: "+err.Error())
		os.Exit(1)
	}
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewConfigReader(a.home).Read()
	if err != nil {
		return err
	}
	a.cfg = cfg

	logCfg := cfg.Log
	if !a.verbose && cmd.Name() != "serve" {
		logCfg.Level = "warn"
	}
	flush, err := log.Init(logCfg)
	if err != nil {
		return err
	}
	a.flushLog = flush
	return nil
}

func (a *app) ensureHome() error {
	if err := os.MkdirAll(a.cfg.ReposDir(), 0o755); err != nil {
		return fmt.Errorf("create data home: %w", err)
	}
	return nil
}

// registry opens the registry with registry changes appended straight to the
// event log; a running daemon picks them up from the file.
func (a *app) registry(ctx context.Context) (registry.Service, error) {
	if err := a.ensureHome(); err != nil {
		return nil, err
	}
	repository := registry.NewFileRepository(a.cfg.RegistryPath(), a.cfg.RegistryLock(), nil)
	return registry.NewService(ctx, repository, events.NewLog(a.cfg.EventLogPath()), a.cfg.Git.DefaultBranch)
}

func (a *app) credentials() credential.Service {
	return credential.NewService(credential.NewFileRepository(a.cfg.AuthPath()), a.cfg.Auth.BcryptCost)
}

func (a *app) cloneURL(name string) string {
	return a.cfg.Server.GetCloneBaseUrl() + "/" + name + ".git"
}

// nameFromURL extracts the repository name from a clone URL.
func nameFromURL(url string) string {
	url = strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if idx := strings.LastIndexAny(url, "/:"); idx >= 0 {
		url = url[idx+1:]
	}
	return url
}

func (a *app) openProject() (*project.Project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return project.Open(cwd, a.runner, a.cfg.Git.Binary)
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}

var errAborted = errors.New("aborted")
