package gitserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JoeGlenn1213/lgh/internal/events"
	"github.com/JoeGlenn1213/lgh/pkg/config"
)

// Service is a git pack service name as it appears on the wire.
type Service string

const (
	UploadPack  Service = "git-upload-pack"
	ReceivePack Service = "git-receive-pack"
)

func ParseService(name string) (Service, error) {
	switch Service(name) {
	case UploadPack, ReceivePack:
		return Service(name), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownService, name)
}

func (s Service) subcommand() string {
	return strings.TrimPrefix(string(s), "git-")
}

const (
	stderrTail = 4 << 10
	waitDelay  = 5 * time.Second
)

// Invocation is one run of a pack service against a hosted repository.
type Invocation struct {
	Repo    string
	Service Service
	// AdvertiseRefs runs the ref advertisement only.
	AdvertiseRefs bool
	// Stateless selects the smart-HTTP mode where every request is a complete
	// exchange and Stdin ends with the request body.
	Stateless bool
	// Protocol is passed to git as GIT_PROTOCOL.
	Protocol  string
	Actor     string
	Transport string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	Repository *Repository
	BytesIn    int64
	BytesOut   int64
	Refs       []events.RefUpdate
}

// Bridge runs git pack services for hosted repositories under the per
// repository lock and records the outcome on the event bus.
type Bridge struct {
	binary      string
	timeout     time.Duration
	lockTimeout time.Duration
	resolver    RepositoryResolver
	appender    EventAppender
	locks       *LockManager
	tracer      trace.Tracer
	now         func() time.Time
}

func NewBridge(
	cfg config.GitConfig,
	resolver RepositoryResolver,
	appender EventAppender,
	locks *LockManager,
	traceProvider trace.TracerProvider,
) *Bridge {
	var tracer trace.Tracer
	if traceProvider != nil {
		tracer = traceProvider.Tracer("GitBridge")
	} else {
		tracer = noop.NewTracerProvider().Tracer("GitBridge")
	}
	if locks == nil {
		locks = NewLockManager(cfg.MaxReaders)
	}

	return &Bridge{
		binary:      cfg.Binary,
		timeout:     cfg.Timeout,
		lockTimeout: cfg.LockTimeout,
		resolver:    resolver,
		appender:    appender,
		locks:       locks,
		tracer:      tracer,
		now:         time.Now,
	}
}

// Execute resolves and locks the repository, runs git and streams it between
// inv.Stdin and inv.Stdout. Unknown repositories fail with
// ErrRepositoryNotFound before anything is written and without an event.
func (b *Bridge) Execute(ctx context.Context, inv Invocation) (*Result, error) {
	ctx, span := b.tracer.Start(ctx, "Execute", trace.WithAttributes(
		attribute.String("git.repo", inv.Repo),
		attribute.String("git.service", string(inv.Service)),
		attribute.String("git.transport", inv.Transport),
		attribute.Bool("git.advertise_refs", inv.AdvertiseRefs),
	))
	defer span.End()

	result, err := b.execute(ctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (b *Bridge) execute(ctx context.Context, inv Invocation) (*Result, error) {
	repo, err := b.resolver.Resolve(ctx, inv.Repo)
	if err != nil {
		return nil, err
	}

	exclusive := inv.Service == ReceivePack && !inv.AdvertiseRefs
	release, err := b.locks.Acquire(ctx, repo.Name, exclusive, b.lockTimeout)
	if err != nil {
		zap.L().Warn("repository lock not acquired",
			zap.String("repo", repo.Name),
			zap.Bool("exclusive", exclusive),
			zap.Error(err))
		return nil, err
	}
	defer release()

	var before map[string]string
	if exclusive {
		if before, err = snapshotRefs(repo.Path); err != nil {
			zap.L().Warn("ref snapshot before push failed", zap.String("repo", repo.Name), zap.Error(err))
		}
	}

	result := &Result{Repository: repo}
	start := b.now()
	if err := b.run(ctx, repo, inv, result); err != nil {
		zap.L().Error("git operation failed",
			zap.String("repo", repo.Name),
			zap.String("service", string(inv.Service)),
			zap.String("transport", inv.Transport),
			zap.Error(err))
		b.appendEvent(ctx, events.Draft{
			Repo: repo.Name,
			Kind: events.KindError,
			Payload: map[string]any{
				"operation": string(inv.Service),
				"error":     err.Error(),
				"actor":     inv.Actor,
				"transport": inv.Transport,
			},
		})
		return result, err
	}

	switch {
	case inv.AdvertiseRefs:
	case exclusive:
		payload := map[string]any{
			"bytes_in":  result.BytesIn,
			"actor":     inv.Actor,
			"transport": inv.Transport,
		}
		if before != nil {
			after, err := snapshotRefs(repo.Path)
			if err != nil {
				zap.L().Warn("ref snapshot after push failed", zap.String("repo", repo.Name), zap.Error(err))
			} else {
				result.Refs = diffRefs(before, after)
				payload["refs"] = result.Refs
			}
		}
		b.appendEvent(ctx, events.Draft{Repo: repo.Name, Kind: events.KindPush, Payload: payload})
	default:
		b.appendEvent(ctx, events.Draft{
			Repo: repo.Name,
			Kind: events.KindFetch,
			Payload: map[string]any{
				"bytes_out": result.BytesOut,
				"actor":     inv.Actor,
				"transport": inv.Transport,
			},
		})
	}

	if err := b.resolver.Touch(context.WithoutCancel(ctx), repo.Name, b.now()); err != nil {
		zap.L().Warn("recording repository activity failed", zap.String("repo", repo.Name), zap.Error(err))
	}

	zap.L().Info("git operation completed",
		zap.String("repo", repo.Name),
		zap.String("service", string(inv.Service)),
		zap.Bool("advertise_refs", inv.AdvertiseRefs),
		zap.String("transport", inv.Transport),
		zap.String("actor", inv.Actor),
		zap.Int64("bytes_in", result.BytesIn),
		zap.Int64("bytes_out", result.BytesOut),
		zap.Duration("duration", b.now().Sub(start)))
	return result, nil
}

func (b *Bridge) args(repo *Repository, inv Invocation) []string {
	args := []string{inv.Service.subcommand()}
	if inv.Stateless || inv.AdvertiseRefs {
		args = append(args, "--stateless-rpc")
	}
	if inv.AdvertiseRefs {
		args = append(args, "--advertise-refs")
	}
	return append(args, repo.Path)
}

// run executes git with two pumps: request into stdin and stdout into the
// response. Either pump failing kills the subprocess. In stateful mode the
// input side is not joined, since the client keeps its stream open until the
// server side finishes.
func (b *Bridge) run(ctx context.Context, repo *Repository, inv Invocation, result *Result) error {
	cmdCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, b.binary, b.args(repo, inv)...)
	cmd.Env = os.Environ()
	if inv.Protocol != "" {
		cmd.Env = append(cmd.Env, "GIT_PROTOCOL="+inv.Protocol)
	}
	cmd.WaitDelay = waitDelay

	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail
	if inv.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, inv.Stderr)
	}

	var stdin io.WriteCloser
	if inv.Stdin != nil && !inv.AdvertiseRefs {
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSubprocessFailure, err)
		}
		stdin = pipe
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSubprocessFailure, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrSubprocessFailure, inv.Service, err)
	}

	in := &countingReader{r: inv.Stdin}
	out := &countingWriter{w: inv.Stdout}

	var pumps errgroup.Group
	if stdin != nil {
		copyIn := func() error {
			_, err := io.Copy(stdin, in)
			_ = stdin.Close()
			if err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
				cancel()
				return fmt.Errorf("read request: %w", err)
			}
			return nil
		}
		if inv.Stateless {
			pumps.Go(copyIn)
		} else {
			go func() { _ = copyIn() }()
		}
	}
	pumps.Go(func() error {
		if _, err := io.Copy(out, stdout); err != nil {
			cancel()
			return fmt.Errorf("write response: %w", err)
		}
		return nil
	})

	pumpErr := pumps.Wait()
	waitErr := cmd.Wait()
	result.BytesIn = in.count()
	result.BytesOut = out.count()

	switch {
	case pumpErr != nil:
		return fmt.Errorf("%w: %s: %v", ErrSubprocessFailure, inv.Service, pumpErr)
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %s timed out after %s", ErrSubprocessFailure, inv.Service, b.timeout)
	case waitErr != nil:
		if msg := tail.String(); msg != "" {
			return fmt.Errorf("%w: %s: %v: %s", ErrSubprocessFailure, inv.Service, waitErr, msg)
		}
		return fmt.Errorf("%w: %s: %v", ErrSubprocessFailure, inv.Service, waitErr)
	}
	return nil
}

func (b *Bridge) appendEvent(ctx context.Context, draft events.Draft) {
	if b.appender == nil {
		return
	}
	if _, err := b.appender.Append(context.WithoutCancel(ctx), draft); err != nil {
		zap.L().Error("failed to append event",
			zap.String("repo", draft.Repo),
			zap.String("kind", string(draft.Kind)),
			zap.Error(err))
	}
}

// snapshotRefs returns every direct ref of the repository by name.
func snapshotRefs(path string) (map[string]string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, err
	}
	iter, err := repo.References()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	refs := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference {
			refs[ref.Name().String()] = ref.Hash().String()
		}
		return nil
	})
	return refs, err
}

func diffRefs(before, after map[string]string) []events.RefUpdate {
	zero := plumbing.ZeroHash.String()
	updates := make([]events.RefUpdate, 0)
	for name, newHash := range after {
		if oldHash, ok := before[name]; !ok {
			updates = append(updates, events.RefUpdate{Name: name, Old: zero, New: newHash})
		} else if oldHash != newHash {
			updates = append(updates, events.RefUpdate{Name: name, Old: oldHash, New: newHash})
		}
	}
	for name, oldHash := range before {
		if _, ok := after[name]; !ok {
			updates = append(updates, events.RefUpdate{Name: name, Old: oldHash, New: zero})
		}
	}
	slices.SortFunc(updates, func(a, b events.RefUpdate) int {
		return strings.Compare(a.Name, b.Name)
	})
	return updates
}
