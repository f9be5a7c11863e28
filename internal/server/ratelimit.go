package server

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

const (
	globalLimitMessage   = "Too many requests from this IP, please try again later."
	workflowLimitMessage = "Too many workflow requests, please try again later."
)

// LimitsConfig caps requests per client address. Zero values use the defaults.
type LimitsConfig struct {
	GlobalRequests   int
	GlobalWindow     time.Duration
	WorkflowRequests int
	WorkflowWindow   time.Duration
}

func (c LimitsConfig) withDefaults() LimitsConfig {
	if c.GlobalRequests <= 0 {
		c.GlobalRequests = 100
	}
	if c.GlobalWindow <= 0 {
		c.GlobalWindow = 15 * time.Minute
	}
	if c.WorkflowRequests <= 0 {
		c.WorkflowRequests = 10
	}
	if c.WorkflowWindow <= 0 {
		c.WorkflowWindow = time.Minute
	}
	return c
}

// strictPaths are the POST endpoints that start a task or a completion call.
var strictPaths = map[string]bool{
	apiBasePath + "/workflows/email-parse": true,
	apiBasePath + "/workflows/data-clean":  true,
	apiBasePath + "/summarize":             true,
	apiBasePath + "/reports/summarize":     true,
}

// newRateLimitMiddleware applies the global cap to every request and the
// stricter workflow cap to strictPaths.
func newRateLimitMiddleware(cfg LimitsConfig) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	global := httprate.Limit(cfg.GlobalRequests, cfg.GlobalWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitHandler(globalLimitMessage)),
	)
	strict := httprate.Limit(cfg.WorkflowRequests, cfg.WorkflowWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limitHandler(workflowLimitMessage)),
	)
	return func(next http.Handler) http.Handler {
		limited := strict(next)
		route := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strictPaths[r.URL.Path] {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
		return global(route)
	}
}

func limitHandler(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", message, nil))
	}
}
