package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the status API, /metrics and, when wsHandler is set, the
// event stream. mw wraps every route except /healthz.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("/api/locks", wrap(http.HandlerFunc(svc.handleLocks)))
	mux.Handle("/api/history", wrap(http.HandlerFunc(svc.handleHistory)))
	mux.Handle("/api/cleanup", wrap(http.HandlerFunc(svc.handleCleanup)))
	mux.Handle("/api/status", wrap(http.HandlerFunc(svc.handleStatus)))
	mux.Handle("/metrics", wrap(promhttp.Handler()))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if wsHandler != nil {
		mux.Handle("/ws/events", wrap(wsHandler))
	}
	return mux
}
