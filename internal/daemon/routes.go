package daemon

import (
	"io"
	"net/http"

	"github.com/rs/cors"

	"github.com/JoeGlenn1213/lgh/internal"
	"github.com/JoeGlenn1213/lgh/internal/events"
	"github.com/JoeGlenn1213/lgh/internal/registry"
	"github.com/JoeGlenn1213/lgh/pkg/gitserver"
)

// routes composes the HTTP surface: /healthz is public, the JSON API and the
// git protocol sit behind the auth gate.
func (d *Daemon) routes() http.Handler {
	api := http.NewServeMux()
	internal.Mount(api,
		registry.NewHandler(d.registry),
		events.NewHandler(d.eventLog),
	)

	corsHandler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, "ok")
	})
	mux.Handle("/api/v1/", corsHandler.Handler(d.gate.Wrap(api)))

	gitPath, gitHandler := gitserver.NewHTTPHandler(d.bridge).RegisterRoutes()
	mux.Handle(gitPath, d.gate.Wrap(gitHandler))
	return mux
}
