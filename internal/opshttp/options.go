package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-gate/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic serves requests from public addresses, off by default
	AllowPublic bool
	OnPanic     func()
}
