package gitserver

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/JoeGlenn1213/lgh/pkg/auth"
)

const (
	actionInfoRefs = "info/refs"
	transportHTTP  = "http"
)

// HTTPHandler serves the git smart-HTTP protocol for hosted repositories:
//
//	GET  /{repo}.git/info/refs?service=git-upload-pack|git-receive-pack
//	POST /{repo}.git/git-upload-pack
//	POST /{repo}.git/git-receive-pack
type HTTPHandler struct {
	bridge *Bridge
}

func NewHTTPHandler(bridge *Bridge) *HTTPHandler {
	return &HTTPHandler{bridge: bridge}
}

func (h *HTTPHandler) RegisterRoutes() (string, http.Handler) {
	return "/", h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	repo, action, ok := parseGitPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if action == actionInfoRefs {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		service, err := ParseService(r.URL.Query().Get("service"))
		if err != nil {
			http.Error(w, "unsupported service", http.StatusForbidden)
			return
		}
		h.serve(w, r, repo, service, true)
		return
	}

	service := Service(action)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/x-"+string(service)+"-request" {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}
	h.serve(w, r, repo, service, false)
}

func (h *HTTPHandler) serve(w http.ResponseWriter, r *http.Request, repo string, service Service, advertise bool) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	protocol := r.Header.Get("Git-Protocol")
	stream := &responseStream{w: w}
	inv := Invocation{
		Repo:          repo,
		Service:       service,
		AdvertiseRefs: advertise,
		Stateless:     true,
		Protocol:      protocol,
		Actor:         auth.ActorFromContext(r.Context()),
		Transport:     transportHTTP,
		Stdout:        stream,
	}

	if advertise {
		stream.contentType = "application/x-" + string(service) + "-advertisement"
		if !strings.Contains(protocol, "version=2") {
			stream.prefix = serviceAdvertisement(service)
		}
	} else {
		stream.contentType = "application/x-" + string(service) + "-result"
		// git may start answering before the request body is fully read.
		_ = http.NewResponseController(w).EnableFullDuplex()

		var body io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gz.Close()
			body = gz
		}
		inv.Stdin = body
	}

	if _, err := h.bridge.Execute(r.Context(), inv); err != nil {
		if stream.started {
			// Headers are gone; the client sees a truncated stream.
			zap.L().Warn("git response aborted",
				zap.String("request_id", requestID),
				zap.String("repo", repo),
				zap.Error(err))
			return
		}
		w.Header().Del("Content-Type")
		http.Error(w, errorMessage(err), statusFor(err))
		return
	}
	if err := stream.start(); err != nil {
		zap.L().Warn("git response write failed", zap.String("request_id", requestID), zap.Error(err))
	}
}

// parseGitPath splits /{repo}[.git]/{action} into its parts.
func parseGitPath(path string) (repo, action string, ok bool) {
	for _, suffix := range []string{"/" + actionInfoRefs, "/" + string(UploadPack), "/" + string(ReceivePack)} {
		prefix, found := strings.CutSuffix(path, suffix)
		if !found {
			continue
		}
		repo = strings.TrimSuffix(strings.TrimPrefix(prefix, "/"), ".git")
		if repo == "" || strings.Contains(repo, "/") {
			return "", "", false
		}
		return repo, strings.TrimPrefix(suffix, "/"), true
	}
	return "", "", false
}

func errorMessage(err error) string {
	for _, known := range []error{ErrRepositoryNotFound, ErrRepositoryBusy, ErrUnknownService} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "git operation failed"
}

// responseStream commits the response headers on the first write so that
// failures before any output can still be reported with a status code.
type responseStream struct {
	w           http.ResponseWriter
	contentType string
	prefix      []byte
	started     bool
}

func (s *responseStream) start() error {
	if s.started {
		return nil
	}
	s.started = true

	header := s.w.Header()
	header.Set("Content-Type", s.contentType)
	header.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	s.w.WriteHeader(http.StatusOK)

	if len(s.prefix) > 0 {
		if _, err := s.w.Write(s.prefix); err != nil {
			return err
		}
	}
	return nil
}

func (s *responseStream) Write(p []byte) (int, error) {
	if err := s.start(); err != nil {
		return 0, err
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	_ = http.NewResponseController(s.w).Flush()
	return n, nil
}
