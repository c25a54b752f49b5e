package gitserver

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JoeGlenn1213/lgh/internal/events"
	"github.com/JoeGlenn1213/lgh/pkg/config"
)

// writeFakeGit installs a shell script standing in for the git binary.
func writeFakeGit(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake git needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "git")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func testGitConfig(binary string) config.GitConfig {
	return config.GitConfig{
		Binary:        binary,
		Timeout:       10 * time.Second,
		LockTimeout:   time.Second,
		DefaultBranch: "main",
		MaxReaders:    4,
	}
}

type recordingAppender struct {
	mu     sync.Mutex
	drafts []events.Draft
}

func (r *recordingAppender) Append(_ context.Context, draft events.Draft) (events.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drafts = append(r.drafts, draft)
	return events.Event{Seq: uint64(len(r.drafts)), Repo: draft.Repo, Kind: draft.Kind, Payload: draft.Payload}, nil
}

func (r *recordingAppender) Drafts() []events.Draft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Draft(nil), r.drafts...)
}

func (r *recordingAppender) kinds() []events.Kind {
	var kinds []events.Kind
	for _, draft := range r.Drafts() {
		kinds = append(kinds, draft.Kind)
	}
	return kinds
}

type staticResolver struct {
	repos map[string]*Repository
}

func newStaticResolver(repos ...*Repository) *staticResolver {
	r := &staticResolver{repos: make(map[string]*Repository)}
	for _, repo := range repos {
		r.repos[repo.Name] = repo
	}
	return r
}

func (r *staticResolver) Resolve(_ context.Context, name string) (*Repository, error) {
	if repo, ok := r.repos[name]; ok {
		return repo, nil
	}
	return nil, ErrRepositoryNotFound
}

func (r *staticResolver) Touch(context.Context, string, time.Time) error { return nil }
