package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const Realm = "LocalGitHub"

var ErrUnauthorized = errors.New("authentication required")

// Verifier is the credential store as seen by the gate.
type Verifier interface {
	IsEnabled(ctx context.Context) (bool, error)
	Verify(ctx context.Context, username, password string) (bool, error)
}

// Gate enforces HTTP Basic authentication whenever credentials are enabled.
// Failures to read the credential store reject the request; they never let it
// through.
type Gate struct {
	verifier    Verifier
	publicPaths map[string]bool
}

func NewGate(verifier Verifier, publicPaths ...string) *Gate {
	public := make(map[string]bool, len(publicPaths))
	for _, path := range publicPaths {
		public[path] = true
	}
	return &Gate{
		verifier:    verifier,
		publicPaths: public,
	}
}

// Authenticate decides on a username/password pair. With authentication
// disabled every caller is accepted as Anonymous.
func (g *Gate) Authenticate(ctx context.Context, username, password string, present bool) (string, error) {
	enabled, err := g.verifier.IsEnabled(ctx)
	if err != nil {
		return "", fmt.Errorf("credential store: %w", err)
	}
	if !enabled {
		return Anonymous, nil
	}
	if !present {
		return "", ErrUnauthorized
	}

	ok, err := g.verifier.Verify(ctx, username, password)
	if err != nil {
		return "", fmt.Errorf("credential store: %w", err)
	}
	if !ok {
		return "", ErrUnauthorized
	}
	return username, nil
}

func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		username, password, present := r.BasicAuth()
		actor, err := g.Authenticate(r.Context(), username, password, present)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				if present {
					zap.L().Info("rejected credentials",
						zap.String("username", username),
						zap.String("remote", r.RemoteAddr))
				}
				w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			zap.L().Error("authentication unavailable", zap.Error(err))
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
