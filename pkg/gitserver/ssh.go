package gitserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gliderlabs/ssh"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"

	"github.com/JoeGlenn1213/lgh/pkg/auth"
	"github.com/JoeGlenn1213/lgh/pkg/fsutil"
)

const transportSSH = "ssh"

// SSHServer serves git-upload-pack and git-receive-pack over SSH through the
// same bridge as the HTTP transport.
type SSHServer struct {
	hostKeyPath   string
	bridge        *Bridge
	authenticator Authenticator
	mu            sync.Mutex
	server        *ssh.Server
}

func NewSSHServer(hostKeyPath string, bridge *Bridge, authenticator Authenticator) *SSHServer {
	return &SSHServer{
		hostKeyPath:   hostKeyPath,
		bridge:        bridge,
		authenticator: authenticator,
	}
}

// Serve accepts SSH connections on listener until Shutdown.
func (s *SSHServer) Serve(listener net.Listener) error {
	signer, err := loadOrCreateHostKey(s.hostKeyPath)
	if err != nil {
		return err
	}

	sshServer := &ssh.Server{
		Handler:          s.handleSSHSession,
		PasswordHandler:  s.authenticatePassword,
		PublicKeyHandler: s.authenticatePublicKey,
	}
	sshServer.AddHostKey(signer)

	s.mu.Lock()
	s.server = sshServer
	s.mu.Unlock()

	zap.L().Info("SSH Git server starting", zap.String("addr", listener.Addr().String()))
	return sshServer.Serve(listener)
}

func (s *SSHServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *SSHServer) authenticatePassword(ctx ssh.Context, password string) bool {
	actor, err := s.authenticator.Authenticate(ctx, ctx.User(), password, true)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			zap.L().Error("SSH authentication unavailable", zap.Error(err))
		} else {
			zap.L().Info("SSH authentication failed",
				zap.String("username", ctx.User()),
				zap.String("remote", ctx.RemoteAddr().String()))
		}
		return false
	}
	ctx.SetValue(auth.ActorKey, actor)
	return true
}

// authenticatePublicKey admits key-based clients only while authentication is
// disabled; with credentials configured they fall back to password auth.
func (s *SSHServer) authenticatePublicKey(ctx ssh.Context, _ ssh.PublicKey) bool {
	actor, err := s.authenticator.Authenticate(ctx, ctx.User(), "", false)
	if err != nil {
		return false
	}
	ctx.SetValue(auth.ActorKey, actor)
	return true
}

func (s *SSHServer) handleSSHSession(sess ssh.Session) {
	cmd := sess.Command()
	if len(cmd) != 2 {
		io.WriteString(sess.Stderr(), "lgh: interactive sessions are not supported\n")
		_ = sess.Exit(1)
		return
	}

	service, err := ParseService(cmd[0])
	if err != nil {
		fmt.Fprintf(sess.Stderr(), "lgh: %s is not a git service\n", cmd[0])
		_ = sess.Exit(1)
		return
	}
	// git-upload-pack '/repo.git'
	repo := strings.TrimSuffix(strings.Trim(cmd[1], "'/"), ".git")

	ctx := sess.Context()
	_, err = s.bridge.Execute(ctx, Invocation{
		Repo:      repo,
		Service:   service,
		Protocol:  gitProtocol(sess.Environ()),
		Actor:     auth.ActorFromContext(ctx),
		Transport: transportSSH,
		Stdin:     sess,
		Stdout:    sess,
		Stderr:    sess.Stderr(),
	})
	if err != nil {
		fmt.Fprintf(sess.Stderr(), "lgh: %s\n", errorMessage(err))
		_ = sess.Exit(1)
		return
	}
	_ = sess.Exit(0)
}

func gitProtocol(environ []string) string {
	for _, kv := range environ {
		if value, ok := strings.CutPrefix(kv, "GIT_PROTOCOL="); ok {
			return value
		}
	}
	return ""
}

// loadOrCreateHostKey reads the PEM host key at path, generating an ed25519
// key on first use.
func loadOrCreateHostKey(path string) (gossh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		_, key, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate host key: %w", genErr)
		}
		block, marshalErr := gossh.MarshalPrivateKey(key, "lgh host key")
		if marshalErr != nil {
			return nil, fmt.Errorf("encode host key: %w", marshalErr)
		}
		data = pem.EncodeToMemory(block)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create host key directory: %w", err)
		}
		if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write host key: %w", err)
		}
		zap.L().Info("generated SSH host key", zap.String("path", path))
	} else if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}

	signer, err := gossh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}
