package telemetry

import "time"

// Publisher accepts audit events. Publishing never blocks the caller.
type Publisher interface {
	Publish(ev any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(any) {}

// Event delivery audit
type DeliveryAuditEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	Kind       string    `json:"kind"`
	DID        string    `json:"did"`
	AppID      string    `json:"app_id"`
	DocumentID string    `json:"document_id,omitempty"`
	Indexed    bool      `json:"indexed"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
}

// App and user registration audit
type RegistrationAuditEvent struct {
	Timestamp time.Time `json:"@timestamp"`
	Action    string    `json:"action"` // check_app, check_user, register_user
	DID       string    `json:"did,omitempty"`
	AppID     string    `json:"app_id"`
	Address   string    `json:"address,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// HTTP ingest audit
type IngestAuditEvent struct {
	Timestamp  time.Time `json:"@timestamp"`
	Route      string    `json:"route"`
	Method     string    `json:"method"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Bytes      int64     `json:"bytes"`
	RequestID  string    `json:"request_id,omitempty"`
	IPBucket   string    `json:"ip_bucket,omitempty"`
}
