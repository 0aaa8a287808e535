package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/jobsync/internal/http/handlers"
	"github.com/iago/jobsync/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	CompanionHub   http.Handler
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter serves the primary device's API and the companion websocket.
func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/sync/progress", deps.API.Progress)
	mux.HandleFunc("/v1/records", deps.API.Records)
	mux.HandleFunc("/v1/records/", deps.API.Record)
	mux.HandleFunc("/v1/search/corpus", deps.API.Corpus)
	mux.HandleFunc("/v1/snapshot", deps.API.Snapshot)
	mux.HandleFunc("/v1/snapshot/send", deps.API.SendSnapshot)
	if deps.CompanionHub != nil {
		mux.Handle("/v1/companion/ws", deps.CompanionHub)
	}

	return wrap(mux, deps.Logger, deps.AuthToken, deps.CORSOrigins, deps.RateLimitRPS, deps.RateLimitBurst)
}

type CompanionRouterDependencies struct {
	API            *handlers.CompanionAPI
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewCompanionRouter serves the companion device's local API.
func NewCompanionRouter(deps CompanionRouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/today", deps.API.Today)
	mux.HandleFunc("/v1/jobs/", deps.API.JobStatus)
	mux.HandleFunc("/v1/snapshot/request", deps.API.RequestSnapshot)

	return wrap(mux, deps.Logger, deps.AuthToken, deps.CORSOrigins, deps.RateLimitRPS, deps.RateLimitBurst)
}

func wrap(mux *http.ServeMux, logger *log.Logger, authToken string, origins []string, rps float64, burst int) http.Handler {
	handler := http.Handler(mux)
	handler = middleware.Auth(authToken)(handler)
	handler = middleware.RateLimit(rps, burst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: origins,
	})(handler)
	handler = middleware.Trace(logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
