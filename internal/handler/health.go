package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

var startTime = time.Now()

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
	Summary     HealthSummary          `json:"summary"`
}

// HealthSummary provides summary statistics
type HealthSummary struct {
	TotalChecks     int `json:"total_checks"`
	HealthyChecks   int `json:"healthy_checks"`
	DegradedChecks  int `json:"degraded_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   string         `json:"latency,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthChecker is one dependency probe. Critical checkers gate readiness.
type HealthChecker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// HealthHandler handles health check requests
type HealthHandler struct {
	env      string
	version  string
	timeout  time.Duration
	checkers []HealthChecker
}

func NewHealthHandler(env, version string, checkers ...HealthChecker) *HealthHandler {
	logger.Info("Health handler initialized with %d checkers", len(checkers))
	return &HealthHandler{env: env, version: version, timeout: 5 * time.Second, checkers: checkers}
}

// ServeHTTP handles /health endpoint
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestStart := time.Now()
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	response := HealthResponse{
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.env,
		Uptime:      time.Since(startTime).String(),
		Checks:      make(map[string]CheckResult, len(h.checkers)),
	}

	overallStatus := HealthStatusHealthy
	summary := HealthSummary{}

	for _, checker := range h.checkers {
		checkStart := time.Now()
		result := checker.Check(ctx)
		result.Latency = time.Since(checkStart).String()
		result.Timestamp = time.Now().UTC()

		response.Checks[checker.Name()] = result
		summary.TotalChecks++

		switch result.Status {
		case HealthStatusHealthy:
			summary.HealthyChecks++
		case HealthStatusDegraded:
			summary.DegradedChecks++
			if overallStatus != HealthStatusUnhealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnhealthy:
			summary.UnhealthyChecks++
			overallStatus = HealthStatusUnhealthy
		}
	}

	response.Status = overallStatus
	response.Summary = summary

	statusCode := http.StatusOK
	if overallStatus == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	} else if overallStatus == HealthStatusDegraded {
		statusCode = http.StatusPartialContent
	}

	logger.Debug("Health check completed: status=%s, checks=%d, latency=%s",
		overallStatus, summary.TotalChecks, time.Since(requestStart))

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, statusCode, response)
}

// ReadinessHandler handles /ready endpoint
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	for _, checker := range h.checkers {
		if !checker.Critical() {
			continue
		}
		if result := checker.Check(ctx); result.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - %s: %s\n", checker.Name(), result.Error)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// LivenessHandler handles /live endpoint
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime))
}

// PingChecker wraps any dependency exposing Ping, such as the KV store,
// the document store or Redis.
type PingChecker struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: critical, ping: ping}
}

func (p *PingChecker) Name() string   { return p.name }
func (p *PingChecker) Critical() bool { return p.critical }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	if err := p.ping(ctx); err != nil {
		logger.Error("%s ping error: %v", p.name, err)
		return CheckResult{Status: HealthStatusUnhealthy, Error: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Status: HealthStatusHealthy, Message: p.name + " reachable"}
}

// KeyHealthReporter is satisfied by the KMS helper.
type KeyHealthReporter interface {
	KeyHealth(ctx context.Context) (string, error)
}

// KMSChecker reports the seed sealing key. A key that is not enabled
// degrades the agent: sealed seeds can still be read until it is deleted.
type KMSChecker struct {
	kms KeyHealthReporter
}

func NewKMSChecker(kms KeyHealthReporter) *KMSChecker { return &KMSChecker{kms: kms} }

func (k *KMSChecker) Name() string   { return "kms" }
func (k *KMSChecker) Critical() bool { return false }

func (k *KMSChecker) Check(ctx context.Context) CheckResult {
	state, err := k.kms.KeyHealth(ctx)
	meta := map[string]any{"key_state": state}
	switch {
	case err != nil:
		return CheckResult{Status: HealthStatusUnhealthy, Error: err.Error(), Metadata: meta}
	case state == "healthy" || state == "unconfigured":
		return CheckResult{Status: HealthStatusHealthy, Metadata: meta}
	default:
		return CheckResult{Status: HealthStatusDegraded, Message: "sealing key not enabled", Metadata: meta}
	}
}

// SessionChecker is degraded until the client is loaded: the agent is up
// but drops every event.
type SessionChecker struct {
	sink EventSink
}

func NewSessionChecker(sink EventSink) *SessionChecker { return &SessionChecker{sink: sink} }

func (s *SessionChecker) Name() string   { return "session" }
func (s *SessionChecker) Critical() bool { return false }

func (s *SessionChecker) Check(ctx context.Context) CheckResult {
	meta := map[string]any{"did": s.sink.DID()}
	if !s.sink.Loaded() {
		return CheckResult{Status: HealthStatusDegraded, Message: "client not loaded; events are dropped", Metadata: meta}
	}
	return CheckResult{Status: HealthStatusHealthy, Message: "client loaded", Metadata: meta}
}
