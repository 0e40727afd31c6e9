package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ComUnity/web3analytics/internal/docstore"
	"github.com/ComUnity/web3analytics/internal/normalize"
	"github.com/ComUnity/web3analytics/internal/telemetry"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

const (
	// EventFamily is the document family events are created under.
	EventFamily = "Event"
	// IndexName is the named document listing every delivered event.
	IndexName = "events"
)

// IndexDeliverer creates one document per event and appends a reference
// to it to the identity's events index. The index update is a
// read-modify-write; the Queue serializes units so appends never
// interleave.
type IndexDeliverer struct {
	store      docstore.Store
	normalizer *normalize.Normalizer
	audit      telemetry.Publisher
}

func NewIndexDeliverer(store docstore.Store, n *normalize.Normalizer, audit telemetry.Publisher) *IndexDeliverer {
	if n == nil {
		n = normalize.New()
	}
	if audit == nil {
		audit = telemetry.Nop{}
	}
	return &IndexDeliverer{store: store, normalizer: n, audit: audit}
}

func (d *IndexDeliverer) Deliver(ctx context.Context, u Unit) (err error) {
	ctx, span := otel.Tracer("delivery").Start(ctx, "delivery.deliver")
	defer span.End()
	span.SetAttributes(attribute.String("delivery.kind", string(u.Kind)))

	start := time.Now()
	var doc *docstore.Document
	defer func() {
		d.publish(u, doc, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "delivery failed")
		}
	}()

	ev := d.normalizer.Normalize(u.Payload, u.Raw, u.Session)

	var (
		index    docstore.Content
		indexErr error
		g        errgroup.Group
	)
	g.Go(func() error {
		var cerr error
		doc, cerr = d.store.CreateDocument(ctx, EventFamily, docstore.Content(ev.Record))
		return cerr
	})
	g.Go(func() error {
		idx, rerr := d.store.ReadNamed(ctx, IndexName)
		switch {
		case rerr == nil:
			index = idx
		case !errors.Is(rerr, docstore.ErrNotFound):
			indexErr = rerr
		}
		return nil
	})
	if cerr := g.Wait(); cerr != nil {
		doc = nil
		return &DeliveryError{Kind: u.Kind, Stage: "create", Err: cerr}
	}
	span.SetAttributes(attribute.String("delivery.document_id", doc.ID))

	content := doc.Content
	if content == nil {
		content = docstore.Content{}
	}
	content["id"] = doc.ID
	if err := d.store.UpdateDocument(ctx, doc.ID, content); err != nil {
		return &DeliveryError{Kind: u.Kind, Stage: "self_ref", DocumentID: doc.ID, Err: err}
	}

	if indexErr != nil {
		logger.Errorf("Event document %s created but not indexed: %v", doc.ID, indexErr)
		return &DeliveryError{
			Kind:       u.Kind,
			Stage:      "read_index",
			DocumentID: doc.ID,
			Err:        fmt.Errorf("%w: %v", ErrIndexUnavailable, indexErr),
		}
	}

	entries := append(indexEntries(index), map[string]any{
		"id":         doc.URL(),
		"updated_at": ev.IndexTimestamp(),
	})
	if err := d.store.SetNamed(ctx, IndexName, docstore.Content{"events": entries}); err != nil {
		return &DeliveryError{Kind: u.Kind, Stage: "write_index", DocumentID: doc.ID, Err: err}
	}

	logger.Debug("New document id: %s", doc.ID)
	return nil
}

// indexEntries copies the entries of a previously stored index.
func indexEntries(index docstore.Content) []any {
	prev, _ := index["events"].([]any)
	out := make([]any, 0, len(prev)+1)
	return append(out, prev...)
}

func (d *IndexDeliverer) publish(u Unit, doc *docstore.Document, start time.Time, err error) {
	ev := telemetry.DeliveryAuditEvent{
		Timestamp:  time.Now().UTC(),
		Kind:       string(u.Kind),
		DID:        u.Session.DID(),
		DurationMs: time.Since(start).Milliseconds(),
		Outcome:    "delivered",
		Indexed:    err == nil,
	}
	if u.Session != nil {
		ev.AppID = u.Session.AppID
	}
	if doc != nil {
		ev.DocumentID = doc.ID
	}
	if err != nil {
		ev.Outcome = "failed"
		if errors.Is(err, ErrIndexUnavailable) {
			ev.Outcome = "orphaned"
		}
		ev.Reason = err.Error()
	}
	d.audit.Publish(ev)
}
