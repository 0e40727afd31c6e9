// Package normalize turns a nested tracking payload into the flat record
// written to the document store.
package normalize

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/ComUnity/web3analytics/internal/session"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// Record field names added to every event.
const (
	FieldAppID      = "app_id"
	FieldDID        = "did"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	FieldRawPayload = "raw_payload"
	FieldMetaTS     = "meta_ts"
)

// Event is one normalized payload ready for delivery.
type Event struct {
	Record    map[string]any
	CreatedAt time.Time
	indexTS   int64
}

// IndexTimestamp is the timestamp recorded in the events index: the
// payload's meta.ts when numeric, else the update time in Unix ms.
func (e Event) IndexTimestamp() int64 { return e.indexTS }

type Normalizer struct {
	now func() time.Time
}

type Option func(*Normalizer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize flattens payload and attaches the derived fields. raw, when
// non-empty, is stored verbatim as raw_payload. A payload that cannot be
// flattened is logged and falls back to its top-level keys; Normalize
// itself never fails.
func (n *Normalizer) Normalize(payload map[string]any, raw []byte, st *session.State) Event {
	now := n.now().UTC()

	record, err := Flatten(payload)
	if err != nil {
		logger.Errorf("Payload normalization degraded: %v", err)
		record = make(map[string]any, len(payload)+6)
		for k, v := range payload {
			record[k] = safeValue(reflect.ValueOf(v), make(map[uintptr]bool))
		}
	}

	updatedAt := now.UnixMilli()
	indexTS := updatedAt
	if ts, ok := metaTimestamp(payload); ok {
		if ts.indexable {
			indexTS = ts.ms
		}
		if _, flat := record[FieldMetaTS]; flat {
			record[FieldMetaTS] = ts.text
		}
	}

	var appID string
	if st != nil {
		appID = st.AppID
	}
	record[FieldAppID] = appID
	record[FieldDID] = st.DID()
	record[FieldCreatedAt] = now.Format("2006-01-02T15:04:05.000Z")
	record[FieldUpdatedAt] = updatedAt
	record[FieldRawPayload] = rawPayload(payload, raw)

	return Event{Record: record, CreatedAt: now, indexTS: indexTS}
}

func rawPayload(payload map[string]any, raw []byte) string {
	if len(raw) > 0 {
		return string(raw)
	}
	if payload == nil {
		return "{}"
	}
	b, err := json.Marshal(payload)
	if err == nil {
		return string(b)
	}
	logger.Debug("raw payload not JSON-encodable, using safe rendering: %v", err)
	return safeJSON(payload)
}

// metaTS is payload["meta"]["ts"] when it is numeric. text keeps the value
// as given; ms is set only when the value is an integral, in-range number.
type metaTS struct {
	text      string
	ms        int64
	indexable bool
}

func metaTimestamp(payload map[string]any) (metaTS, bool) {
	meta, ok := payload["meta"].(map[string]any)
	if !ok {
		return metaTS{}, false
	}
	switch ts := meta["ts"].(type) {
	case float64:
		if math.IsNaN(ts) || math.IsInf(ts, 0) {
			return metaTS{}, false
		}
		m := metaTS{text: strconv.FormatFloat(ts, 'f', -1, 64)}
		m.ms, m.indexable = integralMillis(ts)
		return m, true
	case int64:
		return metaTS{text: strconv.FormatInt(ts, 10), ms: ts, indexable: true}, true
	case int:
		return metaTS{text: strconv.Itoa(ts), ms: int64(ts), indexable: true}, true
	case json.Number:
		if v, err := ts.Int64(); err == nil {
			return metaTS{text: ts.String(), ms: v, indexable: true}, true
		}
		f, err := ts.Float64()
		if err != nil || math.IsInf(f, 0) {
			return metaTS{}, false
		}
		m := metaTS{text: ts.String()}
		m.ms, m.indexable = integralMillis(f)
		return m, true
	case string:
		v, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return metaTS{}, false
		}
		return metaTS{text: ts, ms: v, indexable: true}, true
	}
	return metaTS{}, false
}

// integralMillis converts f only when it is a whole number inside int64.
func integralMillis(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}
