package middleware

import (
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ComUnity/web3analytics/internal/telemetry"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// IngestAuditMW logs every ingest request and hands an IngestAuditEvent to
// the audit publisher. Only the coarse IP bucket leaves the process.
type IngestAuditMW struct {
	Shipper telemetry.Publisher

	headers []string
	trusted []*net.IPNet
}

func NewIngestAuditMW(shipper telemetry.Publisher, proxyHeaders, trustedCIDRs []string) *IngestAuditMW {
	if shipper == nil {
		shipper = telemetry.Nop{}
	}
	return &IngestAuditMW{
		Shipper: shipper,
		headers: proxyHeaders,
		trusted: parseCIDRs(trustedCIDRs),
	}
}

func (m *IngestAuditMW) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start).Milliseconds()
		reqID := chimw.GetReqID(r.Context())
		logger.Debug("ingest request %s %s status=%d bytes=%d latency_ms=%d request_id=%s",
			r.Method, r.URL.Path, ww.status, ww.bytes, elapsed, reqID)

		m.Shipper.Publish(telemetry.IngestAuditEvent{
			Timestamp:  time.Now().UTC(),
			Route:      r.URL.Path,
			Method:     r.Method,
			Status:     ww.status,
			DurationMs: elapsed,
			Bytes:      ww.bytes,
			RequestID:  reqID,
			IPBucket:   ipBucket(clientIP(r, m.headers, m.trusted)),
		})
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}
