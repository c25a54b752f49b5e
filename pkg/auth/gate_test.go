package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/JoeGlenn1213/lgh/internal/credential"
)

type stubVerifier struct {
	enabled    bool
	enabledErr error
	verifyErr  error
}

func (s *stubVerifier) IsEnabled(context.Context) (bool, error) {
	return s.enabled, s.enabledErr
}

func (s *stubVerifier) Verify(_ context.Context, username, password string) (bool, error) {
	return username == "alice" && password == "pw", s.verifyErr
}

func echoActor() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ActorFromContext(r.Context())))
	})
}

func serve(gate *Gate, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	gate.Wrap(echoActor()).ServeHTTP(rec, req)
	return rec
}

func TestGate_Wrap(t *testing.T) {
	t.Run("disabled auth passes through as anonymous", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabled: false})

		rec := serve(gate, httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, Anonymous, rec.Body.String())
	})

	t.Run("missing credentials get a challenge", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabled: true})

		rec := serve(gate, httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `Basic realm="LocalGitHub"`)
	})

	t.Run("wrong credentials get a challenge", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabled: true})
		req := httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil)
		req.SetBasicAuth("alice", "wrong")

		rec := serve(gate, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid credentials set the actor", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabled: true})
		req := httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil)
		req.SetBasicAuth("alice", "pw")

		rec := serve(gate, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", rec.Body.String())
	})

	t.Run("store failure is a server error, not a pass", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabledErr: errors.New("corrupt")})

		rec := serve(gate, httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("verify failure is a server error", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabled: true, verifyErr: errors.New("io")})
		req := httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil)
		req.SetBasicAuth("alice", "pw")

		rec := serve(gate, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("public paths skip the gate", func(t *testing.T) {
		gate := NewGate(&stubVerifier{enabled: true}, "/healthz")

		rec := serve(gate, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGate_WithCredentialStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	store := credential.NewService(credential.NewFileRepository(path), bcrypt.MinCost)
	gate := NewGate(store)

	rec := serve(gate, httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil))
	require.Equal(t, http.StatusOK, rec.Code, "no credentials configured yet")

	require.NoError(t, store.Setup(t.Context(), "alice", "s3cret"))

	rec = serve(gate, httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil)
	req.SetBasicAuth("alice", "s3cret")
	rec = serve(gate, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, os.Remove(path))
	req = httptest.NewRequest(http.MethodGet, "/demo.git/info/refs", nil)
	req.SetBasicAuth("alice", "s3cret")
	rec = serve(gate, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "vanished credentials must fail closed")
}

func TestGate_Authenticate(t *testing.T) {
	gate := NewGate(&stubVerifier{enabled: true})

	actor, err := gate.Authenticate(t.Context(), "alice", "pw", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", actor)

	_, err = gate.Authenticate(t.Context(), "alice", "nope", true)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestActorFromContext(t *testing.T) {
	assert.Equal(t, Anonymous, ActorFromContext(context.Background()))
	assert.Equal(t, "bob", ActorFromContext(WithActor(context.Background(), "bob")))
}
