package gitserver

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/JoeGlenn1213/lgh/internal/events"
)

func TestParseService(t *testing.T) {
	service, err := ParseService("git-upload-pack")
	require.NoError(t, err)
	assert.Equal(t, UploadPack, service)
	assert.Equal(t, "upload-pack", service.subcommand())

	_, err = ParseService("git-upload-archive")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestDiffRefs(t *testing.T) {
	zero := plumbing.ZeroHash.String()

	t.Run("reports created, updated and deleted refs in name order", func(t *testing.T) {
		before := map[string]string{
			"refs/heads/main": "aaa",
			"refs/heads/old":  "bbb",
			"refs/tags/v1":    "ccc",
		}
		after := map[string]string{
			"refs/heads/main": "ddd",
			"refs/heads/new":  "eee",
			"refs/tags/v1":    "ccc",
		}

		assert.Equal(t, []events.RefUpdate{
			{Name: "refs/heads/main", Old: "aaa", New: "ddd"},
			{Name: "refs/heads/new", Old: zero, New: "eee"},
			{Name: "refs/heads/old", Old: "bbb", New: zero},
		}, diffRefs(before, after))
	})

	t.Run("no change is an empty list", func(t *testing.T) {
		refs := map[string]string{"refs/heads/main": "aaa"}

		updates := diffRefs(refs, refs)
		assert.NotNil(t, updates)
		assert.Empty(t, updates)
	})
}

func TestBridge_Execute(t *testing.T) {
	t.Run("touches the repository after success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		resolver := NewMockRepositoryResolver(ctrl)
		appender := NewMockEventAppender(ctrl)
		repo := &Repository{Name: "demo", Path: t.TempDir()}
		bridge := NewBridge(testGitConfig(writeFakeGit(t, "cat")), resolver, appender, nil, nil)

		resolver.EXPECT().Resolve(gomock.Any(), "demo").Return(repo, nil)
		appender.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ any, draft events.Draft) (events.Event, error) {
				assert.Equal(t, events.KindFetch, draft.Kind)
				return events.Event{Seq: 1}, nil
			})
		resolver.EXPECT().Touch(gomock.Any(), "demo", gomock.Any()).Return(nil)

		var out strings.Builder
		result, err := bridge.Execute(t.Context(), Invocation{
			Repo:      "demo",
			Service:   UploadPack,
			Stateless: true,
			Transport: "http",
			Stdin:     strings.NewReader("abc"),
			Stdout:    &out,
		})
		require.NoError(t, err)
		assert.Equal(t, "abc", out.String())
		assert.Equal(t, int64(3), result.BytesIn)
		assert.Equal(t, int64(3), result.BytesOut)
	})

	t.Run("missing git binary is a subprocess failure", func(t *testing.T) {
		repo := &Repository{Name: "demo", Path: t.TempDir()}
		appender := &recordingAppender{}
		bridge := NewBridge(testGitConfig(filepath.Join(t.TempDir(), "no-git")), newStaticResolver(repo), appender, nil, nil)

		_, err := bridge.Execute(t.Context(), Invocation{
			Repo:          "demo",
			Service:       UploadPack,
			AdvertiseRefs: true,
			Stdout:        &strings.Builder{},
		})
		assert.ErrorIs(t, err, ErrSubprocessFailure)
		assert.Equal(t, []events.Kind{events.KindError}, appender.kinds())
	})
}

func requireGit(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not found on PATH")
	}
	return path
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{
		"-c", "user.name=LGH Test",
		"-c", "user.email=test@example.com",
		"-c", "init.defaultBranch=main",
		"-c", "protocol.version=2",
	}, args...)...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return strings.TrimSpace(string(out))
}

func TestBridge_RealGit(t *testing.T) {
	gitPath := requireGit(t)

	bare := filepath.Join(t.TempDir(), "demo.git")
	runGit(t, t.TempDir(), "init", "--bare", bare)

	repo := &Repository{Name: "demo", Path: bare}
	appender := &recordingAppender{}
	bridge := NewBridge(testGitConfig(gitPath), newStaticResolver(repo), appender, nil, nil)
	server := httptest.NewServer(NewHTTPHandler(bridge))
	defer server.Close()

	work := t.TempDir()
	runGit(t, work, "init")
	require.NoError(t, os.WriteFile(filepath.Join(work, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, work, "add", "README.md")
	runGit(t, work, "commit", "-m", "initial")
	head := runGit(t, work, "rev-parse", "HEAD")

	t.Run("push records the changed refs", func(t *testing.T) {
		runGit(t, work, "push", server.URL+"/demo.git", "main")

		var push *events.Draft
		for _, draft := range appender.Drafts() {
			if draft.Kind == events.KindPush {
				push = &draft
			}
		}
		require.NotNil(t, push)
		assert.Equal(t, "demo", push.Repo)
		assert.Equal(t, []events.RefUpdate{
			{Name: "refs/heads/main", Old: plumbing.ZeroHash.String(), New: head},
		}, push.Payload["refs"])
		assert.Positive(t, push.Payload["bytes_in"])
	})

	t.Run("clone records a fetch", func(t *testing.T) {
		clone := filepath.Join(t.TempDir(), "clone")
		runGit(t, t.TempDir(), "clone", server.URL+"/demo.git", clone)

		assert.Equal(t, head, runGit(t, clone, "rev-parse", "HEAD"))
		assert.Contains(t, appender.kinds(), events.KindFetch)
	})

	t.Run("unknown repository fails the clone", func(t *testing.T) {
		cmd := exec.Command("git", "clone", server.URL+"/missing.git", filepath.Join(t.TempDir(), "missing"))
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		out, err := cmd.CombinedOutput()

		assert.Error(t, err)
		assert.Contains(t, string(out), "not found")
	})
}

func TestBridge_RealGit_InterruptedPush(t *testing.T) {
	gitPath := requireGit(t)

	bare := filepath.Join(t.TempDir(), "demo.git")
	runGit(t, t.TempDir(), "init", "--bare", bare)

	work := t.TempDir()
	runGit(t, work, "init")
	require.NoError(t, os.WriteFile(filepath.Join(work, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, work, "add", "README.md")
	runGit(t, work, "commit", "-m", "initial")
	runGit(t, work, "push", bare, "main")
	oldHead := runGit(t, bare, "rev-parse", "refs/heads/main")

	require.NoError(t, os.WriteFile(filepath.Join(work, "README.md"), []byte("hello again\n"), 0o644))
	runGit(t, work, "commit", "-am", "second")
	newHead := runGit(t, work, "rev-parse", "HEAD")

	locks := NewLockManager(4)
	appender := &recordingAppender{}
	repo := &Repository{Name: "demo", Path: bare}
	bridge := NewBridge(testGitConfig(gitPath), newStaticResolver(repo), appender, locks, nil)

	// Ref update commands and the start of a pack, then the client drops.
	body, client := io.Pipe()
	defer body.Close()
	go func() {
		_, _ = client.Write(pktLine(fmt.Sprintf("%s %s refs/heads/main\x00report-status\n", oldHead, newHead)))
		_, _ = io.WriteString(client, pktFlush)
		_, _ = io.WriteString(client, "PACK\x00\x00\x00\x02\x00\x00\x00\x03")
		_ = client.CloseWithError(errors.New("connection reset by peer"))
	}()

	_, err := bridge.Execute(t.Context(), Invocation{
		Repo:      "demo",
		Service:   ReceivePack,
		Stateless: true,
		Transport: "http",
		Stdin:     body,
		Stdout:    io.Discard,
	})
	require.ErrorIs(t, err, ErrSubprocessFailure)

	assert.Equal(t, oldHead, runGit(t, bare, "rev-parse", "refs/heads/main"))

	release, err := locks.Acquire(t.Context(), "demo", true, 10*time.Millisecond)
	require.NoError(t, err, "repository lock is released")
	release()

	drafts := appender.Drafts()
	require.Len(t, drafts, 1)
	assert.Equal(t, events.KindError, drafts[0].Kind)
	assert.Equal(t, string(ReceivePack), drafts[0].Payload["operation"])
	assert.Equal(t, "http", drafts[0].Payload["transport"])
}
