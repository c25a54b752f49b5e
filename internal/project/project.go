// Package project manages the user's work tree side of LGH: the `lgh` remote
// and the commit/push shortcuts.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
)

const RemoteName = "lgh"

var (
	ErrNotAProject     = errors.New("not inside a git work tree")
	ErrNothingToCommit = errors.New("nothing to commit, working tree clean")
	ErrNoRemote        = errors.New("remote lgh is not configured; run `lgh add` or `lgh remote use`")
	ErrNoCommits       = errors.New("project has no commits yet")
)

type Project struct {
	Root string

	repo      *git.Repository
	runner    CommandRunner
	gitBinary string
}

// Open finds the work tree containing dir.
func Open(dir string, runner CommandRunner, gitBinary string) (*Project, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotAProject, dir)
		}
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return newProject(repo, runner, gitBinary)
}

// Init opens the work tree at dir, creating it when dir is not a repository.
func Init(dir, defaultBranch string, runner CommandRunner, gitBinary string) (*Project, error) {
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInitWithOptions(dir, &git.PlainInitOptions{
			InitOptions: git.InitOptions{
				DefaultBranch: plumbing.NewBranchReferenceName(defaultBranch),
			},
		})
		if err == nil {
			zap.L().Info("initialized work tree", zap.String("path", dir))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dir, err)
	}
	return newProject(repo, runner, gitBinary)
}

func newProject(repo *git.Repository, runner CommandRunner, gitBinary string) (*Project, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		if errors.Is(err, git.ErrIsBareRepository) {
			return nil, fmt.Errorf("%w: repository is bare", ErrNotAProject)
		}
		return nil, err
	}
	if gitBinary == "" {
		gitBinary = "git"
	}
	return &Project{
		Root:      worktree.Filesystem.Root(),
		repo:      repo,
		runner:    runner,
		gitBinary: gitBinary,
	}, nil
}

// IsBare reports whether path is itself a bare repository.
func IsBare(path string) bool {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false
	}
	_, err = repo.Worktree()
	return errors.Is(err, git.ErrIsBareRepository)
}

// SetRemote points the lgh remote at url, replacing any previous target.
func (p *Project) SetRemote(url string) error {
	if err := p.repo.DeleteRemote(RemoteName); err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return fmt.Errorf("remove remote %s: %w", RemoteName, err)
	}
	_, err := p.repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: RemoteName,
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("create remote %s: %w", RemoteName, err)
	}
	return nil
}

func (p *Project) RemoteURL() (string, error) {
	remote, err := p.repo.Remote(RemoteName)
	if err != nil {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return "", ErrNoRemote
		}
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", ErrNoRemote
	}
	return urls[0], nil
}

func (p *Project) HasCommits() (bool, error) {
	_, err := p.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CommitAll stages every change, untracked files included, and commits it.
// Hooks and signing follow the user's git configuration.
func (p *Project) CommitAll(ctx context.Context, message string) error {
	worktree, err := p.repo.Worktree()
	if err != nil {
		return err
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return ErrNothingToCommit
	}
	if message == "" {
		message = DefaultMessage(time.Now())
	}

	if _, err := p.git(ctx, "add", "--all"); err != nil {
		return err
	}
	if _, err := p.git(ctx, "commit", "--quiet", "-m", message); err != nil {
		return err
	}
	zap.L().Debug("committed work tree", zap.String("root", p.Root))
	return nil
}

// Push sends the current branch to the lgh remote and sets it as upstream.
func (p *Project) Push(ctx context.Context) error {
	if _, err := p.RemoteURL(); err != nil {
		return err
	}
	hasCommits, err := p.HasCommits()
	if err != nil {
		return err
	}
	if !hasCommits {
		return ErrNoCommits
	}
	_, err = p.git(ctx, "push", "--set-upstream", RemoteName, "HEAD")
	return err
}

func (p *Project) git(ctx context.Context, args ...string) ([]byte, error) {
	return p.runner.Run(ctx, p.gitBinary, args, p.Root)
}

// Clone runs git clone of url into dir.
func Clone(ctx context.Context, runner CommandRunner, gitBinary, url, dir string) error {
	if gitBinary == "" {
		gitBinary = "git"
	}
	_, err := runner.Run(ctx, gitBinary, []string{"clone", "--origin", RemoteName, url, dir}, "")
	return err
}

// DefaultMessage is the commit message used when none is given.
func DefaultMessage(now time.Time) string {
	return "lgh save " + now.Format("2006-01-02 15:04:05")
}
