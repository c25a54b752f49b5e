package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JoeGlenn1213/lgh/internal/credential"
	"github.com/JoeGlenn1213/lgh/internal/events"
	"github.com/JoeGlenn1213/lgh/internal/registry"
	"github.com/JoeGlenn1213/lgh/pkg/auth"
	"github.com/JoeGlenn1213/lgh/pkg/config"
	"github.com/JoeGlenn1213/lgh/pkg/gitserver"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the owned server context: every long-lived component of a running
// LGH instance hangs off it.
type Daemon struct {
	cfg *config.Config

	traceProvider *sdktrace.TracerProvider
	eventLog      *events.Log
	bus           *events.Bus
	registry      registry.Service
	credentials   credential.Service
	gate          *auth.Gate
	bridge        *gitserver.Bridge
	server        *gitserver.Server
	socket        *events.SocketServer
	dispatcher    *events.Dispatcher
	compactor     *events.Compactor
	redisSink     *events.RedisSink
}

// New validates the persisted state under cfg.Home and wires the components.
// A corrupt registry, credential record or event log is returned as an error;
// the daemon never serves on top of damaged state.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.ReposDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data home: %w", err)
	}

	d := &Daemon{cfg: cfg}

	var traceProvider trace.TracerProvider
	if cfg.Otel.Enabled {
		tp, err := initTracer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		d.traceProvider = tp
		traceProvider = tp
	}

	d.eventLog = events.NewLog(cfg.EventLogPath())
	verified, err := d.eventLog.Verify()
	if err != nil {
		return nil, fmt.Errorf("event log %s: %w (run `lgh doctor`)", cfg.EventLogPath(), err)
	}
	bus, err := events.NewBus(d.eventLog, cfg.Events.QueueSize)
	if err != nil {
		return nil, err
	}
	d.bus = bus

	registryRepository := registry.NewFileRepository(cfg.RegistryPath(), cfg.RegistryLock(), traceProvider)
	d.registry, err = registry.NewService(ctx, registryRepository, bus, cfg.Git.DefaultBranch)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", cfg.RegistryPath(), err)
	}

	d.credentials = credential.NewService(credential.NewFileRepository(cfg.AuthPath()), cfg.Auth.BcryptCost)
	authEnabled, err := d.credentials.IsEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials %s: %w", cfg.AuthPath(), err)
	}
	d.gate = auth.NewGate(d.credentials)

	locks := gitserver.NewLockManager(cfg.Git.MaxReaders)
	d.bridge = gitserver.NewBridge(cfg.Git, gitserver.NewRegistryAdapter(d.registry), bus, locks, traceProvider)

	var sshServer *gitserver.SSHServer
	if cfg.Ssh.Enabled {
		sshServer = gitserver.NewSSHServer(cfg.SshHostKeyPath(), d.bridge, d.gate)
	}
	d.server = gitserver.NewServer(cfg, d.routes(), sshServer)
	d.socket = events.NewSocketServer(bus, cfg.SocketPath())
	d.compactor = events.NewCompactor(d.eventLog, cfg.Events.Retention)

	sinks, err := d.sinks()
	if err != nil {
		return nil, err
	}
	d.dispatcher = events.NewDispatcher(bus, cfg.Sinks.MaxRetries, cfg.Sinks.RetryDelay, sinks...)

	if !authEnabled && !cfg.Server.IsLoopback() {
		zap.L().Warn("authentication is disabled on a non-loopback bind; run `lgh auth setup`",
			zap.String("bind", cfg.Server.Bind))
	}
	zap.L().Info("persisted state verified",
		zap.Int("events", verified.Count),
		zap.Uint64("last_seq", verified.Last),
		zap.Bool("auth_enabled", authEnabled))
	return d, nil
}

func (d *Daemon) sinks() ([]events.Sink, error) {
	var sinks []events.Sink
	for _, hook := range d.cfg.Sinks.Webhooks {
		kinds, err := parseKinds(hook.Kinds)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", hook.URL, err)
		}
		sinks = append(sinks, events.NewWebhookSink(hook.URL, hook.Secret, kinds, hook.Timeout))
	}

	if mail := d.cfg.Sinks.Mail; mail.Host != "" {
		kinds, err := parseKinds(mail.Kinds)
		if err != nil {
			return nil, fmt.Errorf("mail sink: %w", err)
		}
		sinks = append(sinks, events.NewMailSink(events.MailConfig{
			Host:     mail.Host,
			Port:     mail.Port,
			Username: mail.Username,
			Password: mail.Password,
			From:     mail.From,
			To:       mail.To,
			UseTLS:   mail.UseTLS,
		}, kinds))
	}

	if redisCfg := d.cfg.Sinks.Redis; redisCfg.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		d.redisSink = events.NewRedisSink(client, redisCfg.Stream, redisCfg.MaxLen)
		sinks = append(sinks, d.redisSink)
	}
	return sinks, nil
}

func parseKinds(raw []string) ([]events.Kind, error) {
	kinds := make([]events.Kind, 0, len(raw))
	for _, name := range raw {
		kind := events.Kind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", events.ErrInvalidKind, name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Server exposes the listeners, mainly for their bound addresses.
func (d *Daemon) Server() *gitserver.Server {
	return d.server
}

// Run serves until ctx is done, SIGINT/SIGTERM arrives or a listener fails,
// then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := acquirePidFile(d.cfg.PidPath()); err != nil {
		return err
	}
	defer removePidFile(d.cfg.PidPath())

	if err := d.socket.Listen(); err != nil {
		return err
	}
	if err := d.server.Start(ctx); err != nil {
		d.socket.Stop()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.bus.Run(runCtx)
	}()
	go func() {
		defer wg.Done()
		if err := d.registry.Watch(runCtx); err != nil {
			zap.L().Error("registry watcher stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := d.socket.Serve(runCtx); err != nil {
			zap.L().Error("event socket stopped", zap.Error(err))
		}
	}()
	d.dispatcher.Start(runCtx)
	d.compactor.Start(runCtx, d.cfg.Events.CompactInterval)

	zap.L().Info("lgh daemon started",
		zap.String("addr", d.cfg.Server.GetServerAddress()),
		zap.String("home", d.cfg.Home),
		zap.String("socket", d.cfg.SocketPath()))

	var runErr error
	select {
	case <-ctx.Done():
		zap.L().Info("shutdown requested")
	case runErr = <-d.server.Err():
		zap.L().Error("listener failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownRelease()

	err := d.server.Shutdown(shutdownCtx)
	cancel()
	d.socket.Stop()
	d.dispatcher.Stop()
	d.compactor.Stop()
	d.bus.Close()
	wg.Wait()
	d.close(shutdownCtx)

	zap.L().Info("lgh daemon stopped")
	return errors.Join(runErr, err)
}

// close releases clients that are not tied to Run.
func (d *Daemon) close(ctx context.Context) {
	if d.redisSink != nil {
		if err := d.redisSink.Close(); err != nil {
			zap.L().Warn("redis client close failed", zap.Error(err))
		}
	}
	if d.traceProvider != nil {
		if err := d.traceProvider.Shutdown(ctx); err != nil {
			zap.L().Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Close releases resources of a daemon that was built but never run.
func (d *Daemon) Close() {
	d.bus.Close()
	d.close(context.Background())
}
