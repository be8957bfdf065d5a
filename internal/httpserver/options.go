package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-gate/internal/health"
	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // called after a recovered panic is logged, e.g. to count it
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes mounts the application routes on the router
	APIRoutes func(chi.Router)

	IdentityHeader string // default httpmw.DefaultIdentityHeader
	ClientIPOpts   httpmw.ClientIPOptions
	MaxBodyBytes   int64 // default 64 KiB

	// WriteTimeout bounds a whole response including admitted work, default 30s
	WriteTimeout time.Duration
}
