// Package doctor inspects the data home of an LGH installation.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5"

	"github.com/JoeGlenn1213/lgh/internal/credential"
	"github.com/JoeGlenn1213/lgh/internal/daemon"
	"github.com/JoeGlenn1213/lgh/internal/events"
	"github.com/JoeGlenn1213/lgh/internal/project"
	"github.com/JoeGlenn1213/lgh/internal/registry"
	"github.com/JoeGlenn1213/lgh/pkg/config"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Path        string   `json:"path,omitempty"`
	// Fixable findings are repaired by Fix.
	Fixable bool `json:"fixable,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Doctor performs health checks on a data home.
type Doctor struct {
	cfg    *config.Config
	runner project.CommandRunner
}

func NewDoctor(cfg *config.Config, runner project.CommandRunner) *Doctor {
	return &Doctor{cfg: cfg, runner: runner}
}

// Check runs all diagnostic checks. It never modifies anything.
func (d *Doctor) Check(ctx context.Context) *Result {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkGit(ctx, result)
	d.checkRegistry(ctx, result)
	d.checkCredentials(ctx, result)
	d.checkEventLog(result)
	d.checkDaemon(result)
	d.checkHostKey(result)

	return result
}

func (d *Doctor) checkGit(ctx context.Context, result *Result) {
	out, err := d.runner.Run(ctx, d.cfg.Git.Binary, []string{"--version"}, "")
	if err != nil {
		result.add(Finding{
			Category:    "git",
			Description: fmt.Sprintf("git binary %q is not usable: %v", d.cfg.Git.Binary, err),
			Severity:    SeverityCritical,
		})
		return
	}
	result.add(Finding{
		Category:    "git",
		Description: strings.TrimSpace(string(out)),
		Severity:    SeverityInfo,
	})
}

func (d *Doctor) checkRegistry(ctx context.Context, result *Result) {
	repository := registry.NewFileRepository(d.cfg.RegistryPath(), d.cfg.RegistryLock(), nil)
	entries, err := repository.Load(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "registry",
			Description: err.Error(),
			Severity:    SeverityCritical,
			Path:        d.cfg.RegistryPath(),
		})
		return
	}

	for _, entry := range entries {
		info, err := os.Stat(entry.Path)
		if err != nil || !info.IsDir() {
			result.add(Finding{
				Category:    "registry",
				Description: fmt.Sprintf("repository '%s' directory is missing", entry.Name),
				Severity:    SeverityError,
				Path:        entry.Path,
			})
			continue
		}
		if _, err := git.PlainOpen(entry.Path); err != nil {
			result.add(Finding{
				Category:    "registry",
				Description: fmt.Sprintf("repository '%s' is not a git repository: %v", entry.Name, err),
				Severity:    SeverityError,
				Path:        entry.Path,
			})
		}
	}
}

func (d *Doctor) checkCredentials(ctx context.Context, result *Result) {
	record, err := credential.NewFileRepository(d.cfg.AuthPath()).Load(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "auth",
			Description: err.Error(),
			Severity:    SeverityCritical,
			Path:        d.cfg.AuthPath(),
		})
		return
	}

	enabled := record != nil && record.DisabledAt == nil
	if enabled {
		return
	}
	severity := SeverityInfo
	if !d.cfg.Server.IsLoopback() {
		severity = SeverityWarning
	}
	description := "authentication is not configured"
	if record != nil {
		description = "authentication was explicitly disabled"
	}
	result.add(Finding{
		Category:    "auth",
		Description: fmt.Sprintf("%s (bind %s)", description, d.cfg.Server.Bind),
		Severity:    severity,
	})
}

func (d *Doctor) checkEventLog(result *Result) {
	verified, err := events.NewLog(d.cfg.EventLogPath()).Verify()
	if err != nil {
		result.add(Finding{
			Category:    "events",
			Description: err.Error(),
			Severity:    SeverityCritical,
			Path:        d.cfg.EventLogPath(),
			Fixable:     errors.Is(err, events.ErrTornTail),
		})
		return
	}
	if verified.Count > 2*d.cfg.Events.Retention {
		result.add(Finding{
			Category:    "events",
			Description: fmt.Sprintf("event log holds %d events, retention is %d; compaction has not run", verified.Count, d.cfg.Events.Retention),
			Severity:    SeverityWarning,
			Path:        d.cfg.EventLogPath(),
		})
	}
}

func (d *Doctor) checkDaemon(result *Result) {
	pidPath := d.cfg.PidPath()
	if _, err := os.Stat(pidPath); err != nil {
		d.checkStaleSocket(result)
		return
	}
	pid, alive := daemon.Running(pidPath)
	if alive {
		result.add(Finding{
			Category:    "daemon",
			Description: fmt.Sprintf("daemon running (pid %d)", pid),
			Severity:    SeverityInfo,
		})
		return
	}
	result.add(Finding{
		Category:    "daemon",
		Description: "stale pid file from a daemon that is no longer running",
		Severity:    SeverityWarning,
		Path:        pidPath,
	})
	d.checkStaleSocket(result)
}

func (d *Doctor) checkStaleSocket(result *Result) {
	if _, err := os.Stat(d.cfg.SocketPath()); err == nil {
		result.add(Finding{
			Category:    "daemon",
			Description: "event socket exists but no daemon is running",
			Severity:    SeverityWarning,
			Path:        d.cfg.SocketPath(),
		})
	}
}

func (d *Doctor) checkHostKey(result *Result) {
	if !d.cfg.Ssh.Enabled {
		return
	}
	info, err := os.Stat(d.cfg.SshHostKeyPath())
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o077 != 0 {
		result.add(Finding{
			Category:    "ssh",
			Description: fmt.Sprintf("host key is accessible by other users (mode %04o)", info.Mode().Perm()),
			Severity:    SeverityWarning,
			Path:        d.cfg.SshHostKeyPath(),
		})
	}
}

// Fix repairs the fixable findings of a previous Check: only a torn event
// log tail is repaired. It returns a description of each repair.
func (d *Doctor) Fix(result *Result) ([]string, error) {
	var repaired []string
	for _, finding := range result.Findings {
		if !finding.Fixable || finding.Category != "events" {
			continue
		}
		removed, err := events.NewLog(d.cfg.EventLogPath()).TruncateTornTail()
		if err != nil {
			return repaired, fmt.Errorf("repair event log: %w", err)
		}
		if removed {
			repaired = append(repaired, "truncated torn final line of "+d.cfg.EventLogPath())
		}
	}
	return repaired, nil
}
