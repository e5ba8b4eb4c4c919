package api

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manpreetbhatti/folio/internal/ws"
)

// Routes builds the HTTP surface: the REST API, the socket endpoint and,
// when configured, the metrics endpoint.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// preflights have no route of their own
	r.Use(a.cors)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})
	if a.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", a.opts.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(a.observe)

		r.Get("/health", a.HealthHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/health", a.HealthHandler)
			r.Get("/stats", a.StatsHandler)

			r.Route("/documents", func(r chi.Router) {
				r.Get("/", a.ListDocumentsHandler)
				r.With(a.limit).Post("/upload", a.UploadHandler)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.GetDocumentHandler)
					r.With(a.limit).Delete("/", a.DeleteDocumentHandler)
					r.Get("/file", a.FileHandler)
					r.Get("/presence", a.PresenceHandler)

					r.Get("/comments", a.ListCommentsHandler)
					r.With(a.limit).Post("/comments", a.CreateCommentHandler)
					r.With(a.limit).Put("/comments/{commentId}", a.UpdateCommentHandler)
					r.With(a.limit).Delete("/comments/{commentId}", a.DeleteCommentHandler)
				})
			})
		})
	})

	return r
}

func (a *API) cors(next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(a.opts.AllowedOrigins))
	for _, o := range a.opts.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// observe records request counts and latency by route pattern, so ids in
// the path do not blow up label cardinality.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.opts.Metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}

// limit throttles mutating requests per client address.
func (a *API) limit(next http.Handler) http.Handler {
	if a.opts.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.opts.Limiter.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			a.errorResponse(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
