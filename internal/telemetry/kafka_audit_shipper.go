package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	cfg "github.com/ComUnity/web3analytics/internal/config"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// MessageWriter is the part of *kafka.Writer the shipper uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaAuditShipper struct {
	cfg           cfg.KafkaAuditRootConfig
	wDelivery     MessageWriter
	wRegistration MessageWriter
	wIngest       MessageWriter
	ch            chan any
	stop          chan struct{}
	done          chan struct{}
}

func NewKafkaAuditShipper(cfgIn cfg.KafkaAuditRootConfig) (*KafkaAuditShipper, error) {
	cfg := cfgIn
	if !cfg.Enabled {
		return &KafkaAuditShipper{cfg: cfg, ch: make(chan any), stop: make(chan struct{}), done: make(chan struct{})}, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	applyShipperDefaults(&cfg)

	tr := &kafka.Transport{
		DialTimeout: cfg.DialTimeout,
	}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.Username != "" {
		tr.SASL = plain.Mechanism{Username: cfg.Username, Password: cfg.Password}
	}

	newWriter := func(topic string) MessageWriter {
		if topic == "" {
			return nil
		}
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Transport:              tr,
			AllowAutoTopicCreation: false,
			Async:                  true,
			BatchTimeout:           cfg.FlushEvery,
			BatchSize:              cfg.BatchSize,
			WriteTimeout:           cfg.WriteTimeout,
		}
	}

	return NewKafkaAuditShipperWithWriters(cfg,
		newWriter(cfg.TopicDelivery),
		newWriter(cfg.TopicRegistration),
		newWriter(cfg.TopicIngest),
	), nil
}

// NewKafkaAuditShipperWithWriters builds an enabled shipper over existing
// writers. A nil writer drops events of that family.
func NewKafkaAuditShipperWithWriters(cfg cfg.KafkaAuditRootConfig, delivery, registration, ingest MessageWriter) *KafkaAuditShipper {
	cfg.Enabled = true
	applyShipperDefaults(&cfg)
	return &KafkaAuditShipper{
		cfg:           cfg,
		wDelivery:     delivery,
		wRegistration: registration,
		wIngest:       ingest,
		ch:            make(chan any, cfg.QueueCapacity),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func applyShipperDefaults(c *cfg.KafkaAuditRootConfig) {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 2 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.BatchSize * 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

func (s *KafkaAuditShipper) Start() {
	if !s.cfg.Enabled {
		return
	}
	go s.loop()
}

// Stop drains queued events and closes the writers. It returns early if ctx
// ends first.
func (s *KafkaAuditShipper) Stop(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
		logger.Warn("Audit shipper stop timed out with %d events queued", len(s.ch))
	}
	for _, w := range []MessageWriter{s.wDelivery, s.wRegistration, s.wIngest} {
		if w != nil {
			_ = w.Close()
		}
	}
}

func (s *KafkaAuditShipper) Publish(ev any) {
	if !s.cfg.Enabled {
		return
	}
	select {
	case s.ch <- ev:
	default:
		// drop on backpressure
	}
}

func (s *KafkaAuditShipper) loop() {
	defer close(s.done)
	for {
		select {
		case ev := <-s.ch:
			s.ship(ev)
		case <-s.stop:
			for {
				select {
				case ev := <-s.ch:
					s.ship(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaAuditShipper) ship(ev any) {
	if err := s.dispatch(ev); err != nil {
		logger.Debug("Audit event dropped: %v", err)
	}
}

func (s *KafkaAuditShipper) dispatch(ev any) error {
	now := time.Now().UTC()
	m := map[string]any{}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = json.Unmarshal(b, &m)
	if ts, ok := m["@timestamp"]; !ok || ts == "0001-01-01T00:00:00Z" {
		m["@timestamp"] = now
	}
	payload, _ := json.Marshal(m)

	key := func(field string) []byte {
		if v, ok := m[field]; ok && v != nil {
			if str, ok := v.(string); ok && str != "" {
				return []byte(str)
			}
		}
		return nil
	}

	var (
		w      MessageWriter
		keyFld string
	)
	switch ev.(type) {
	case DeliveryAuditEvent:
		w, keyFld = s.wDelivery, "did"
	case RegistrationAuditEvent:
		w, keyFld = s.wRegistration, "app_id"
	case IngestAuditEvent:
		w, keyFld = s.wIngest, "request_id"
	default:
		// route unknown to delivery topic if configured
		w, keyFld = s.wDelivery, "did"
	}
	if w == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Key:   key(keyFld),
		Value: payload,
		Time:  now,
	})
}
