package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/web3analytics/internal/docstore"
	"github.com/ComUnity/web3analytics/internal/identity"
	"github.com/ComUnity/web3analytics/internal/normalize"
	"github.com/ComUnity/web3analytics/internal/session"
	"github.com/ComUnity/web3analytics/internal/telemetry"
)

// recordingStore logs every call made to the wrapped MemoryStore.
type recordingStore struct {
	*docstore.MemoryStore

	mu      sync.Mutex
	ops     []string
	failOn  string // event name whose create fails
	readErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: docstore.NewMemoryStore()}
}

func (r *recordingStore) log(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingStore) CreateDocument(ctx context.Context, family string, content docstore.Content) (*docstore.Document, error) {
	name, _ := content["event"].(string)
	r.log("create:" + name)
	if r.failOn != "" && name == r.failOn {
		return nil, errors.New("store rejected write")
	}
	return r.MemoryStore.CreateDocument(ctx, family, content)
}

func (r *recordingStore) ReadNamed(ctx context.Context, name string) (docstore.Content, error) {
	r.log("read:" + name)
	if r.readErr != nil {
		return nil, r.readErr
	}
	return r.MemoryStore.ReadNamed(ctx, name)
}

func (r *recordingStore) UpdateDocument(ctx context.Context, id string, content docstore.Content) error {
	name, _ := content["event"].(string)
	r.log("update:" + name)
	return r.MemoryStore.UpdateDocument(ctx, id, content)
}

func (r *recordingStore) SetNamed(ctx context.Context, name string, content docstore.Content) error {
	r.log("set:" + name)
	return r.MemoryStore.SetNamed(ctx, name, content)
}

func (r *recordingStore) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type auditSink struct {
	mu     sync.Mutex
	events []telemetry.DeliveryAuditEvent
}

func (a *auditSink) Publish(ev any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev.(telemetry.DeliveryAuditEvent))
}

func newSession(t *testing.T, store docstore.Store) *session.State {
	t.Helper()
	ident, err := identity.NewBootstrap(nil, store).Authenticate(context.Background(), bytes.Repeat([]byte{0x07}, 32))
	require.NoError(t, err)
	return &session.State{
		AppID:         "0x1111111111111111111111111111111111111111",
		Identity:      ident,
		AppRegistered: true,
		InitializedAt: time.Now(),
	}
}

func flush(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Flush(ctx))
}

func readIndex(t *testing.T, store docstore.Store) []any {
	t.Helper()
	idx, err := store.ReadNamed(context.Background(), IndexName)
	require.NoError(t, err)
	entries, ok := idx["events"].([]any)
	require.True(t, ok)
	return entries
}

func TestQueueDeliversInCallOrder(t *testing.T) {
	store := newRecordingStore()
	st := newSession(t, store)
	q := NewQueue(NewIndexDeliverer(store, nil, nil))

	const n = 25
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(Unit{Kind: KindTrack, Payload: map[string]any{"event": fmt.Sprintf("e%02d", i)}, Session: st}))
	}
	flush(t, q)

	ops := store.operations()
	require.Len(t, ops, 4*n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("e%02d", i)
		unit := ops[4*i : 4*i+4]
		// create and index read run concurrently
		assert.ElementsMatch(t, []string{"create:" + name, "read:events"}, unit[:2])
		assert.Equal(t, []string{"update:" + name, "set:events"}, unit[2:])
	}
	assert.Len(t, readIndex(t, store), n)
}

func TestTwoEventsProduceTwoOrderedIndexEntries(t *testing.T) {
	store := docstore.NewMemoryStore()
	st := newSession(t, store)
	q := NewQueue(NewIndexDeliverer(store, nil, nil))

	require.NoError(t, q.Enqueue(Unit{Kind: KindPage, Payload: map[string]any{"event": "page_view"}, Session: st}))
	require.NoError(t, q.Enqueue(Unit{Kind: KindTrack, Payload: map[string]any{"event": "click"}, Session: st}))
	flush(t, q)

	entries := readIndex(t, store)
	require.Len(t, entries, 2)

	ids := store.Documents(EventFamily)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	for i, want := range []string{"page_view", "click"} {
		entry := entries[i].(map[string]any)
		assert.Equal(t, "docstore://"+ids[i], entry["id"])
		assert.NotNil(t, entry["updated_at"])

		doc, err := store.LoadDocument(context.Background(), ids[i])
		require.NoError(t, err)
		assert.Equal(t, want, doc.Content["event"])
		assert.Equal(t, ids[i], doc.Content["id"])
		assert.Equal(t, st.DID(), doc.Content[normalize.FieldDID])
		assert.Equal(t, st.DID(), doc.Controller)
	}
}

func TestFailedUnitDoesNotStopQueue(t *testing.T) {
	store := newRecordingStore()
	store.failOn = "bad"
	st := newSession(t, store)
	audit := &auditSink{}
	q := NewQueue(NewIndexDeliverer(store, nil, audit))

	for _, name := range []string{"first", "bad", "last"} {
		require.NoError(t, q.Enqueue(Unit{Kind: KindTrack, Payload: map[string]any{"event": name}, Session: st}))
	}
	flush(t, q)

	entries := readIndex(t, store)
	assert.Len(t, entries, 2)
	assert.Len(t, store.Documents(EventFamily), 2)

	require.Len(t, audit.events, 3)
	assert.Equal(t, "delivered", audit.events[0].Outcome)
	assert.Equal(t, "failed", audit.events[1].Outcome)
	assert.Equal(t, "delivered", audit.events[2].Outcome)
}

type panicky struct {
	calls []Kind
	mu    sync.Mutex
}

func (p *panicky) Deliver(ctx context.Context, u Unit) error {
	p.mu.Lock()
	p.calls = append(p.calls, u.Kind)
	p.mu.Unlock()
	if u.Kind == KindPage {
		panic("boom")
	}
	return nil
}

func TestQueueRecoversPanics(t *testing.T) {
	d := &panicky{}
	q := NewQueue(d)
	require.NoError(t, q.Enqueue(Unit{Kind: KindPage}))
	require.NoError(t, q.Enqueue(Unit{Kind: KindIdentify}))
	flush(t, q)
	assert.Equal(t, []Kind{KindPage, KindIdentify}, d.calls)
}

func TestCyclicPayloadIsStillDelivered(t *testing.T) {
	store := docstore.NewMemoryStore()
	st := newSession(t, store)
	q := NewQueue(NewIndexDeliverer(store, nil, nil))

	p := map[string]any{"event": "loop"}
	p["self"] = p
	require.NoError(t, q.Enqueue(Unit{Kind: KindTrack, Payload: p, Session: st}))
	flush(t, q)

	ids := store.Documents(EventFamily)
	require.Len(t, ids, 1)
	doc, err := store.LoadDocument(context.Background(), ids[0])
	require.NoError(t, err)

	assert.NotEmpty(t, doc.Content[normalize.FieldRawPayload])
	assert.Equal(t, st.AppID, doc.Content[normalize.FieldAppID])
	assert.Equal(t, st.DID(), doc.Content[normalize.FieldDID])
	assert.NotEmpty(t, doc.Content[normalize.FieldCreatedAt])
	assert.NotNil(t, doc.Content[normalize.FieldUpdatedAt])
	assert.Len(t, readIndex(t, store), 1)
}

func TestNonFinitePayloadsAreStillDelivered(t *testing.T) {
	store := docstore.NewMemoryStore()
	st := newSession(t, store)
	q := NewQueue(NewIndexDeliverer(store, nil, nil))

	payloads := []map[string]any{
		{"event": "scroll", "properties": map[string]any{"ratio": math.NaN()}},
		{"event": "resize", "properties": map[string]any{"w": math.Inf(1)}},
	}
	for _, p := range payloads {
		require.NoError(t, q.Enqueue(Unit{Kind: KindTrack, Payload: p, Session: st}))
	}
	flush(t, q)

	ids := store.Documents(EventFamily)
	require.Len(t, ids, 2)
	for i, id := range ids {
		doc, err := store.LoadDocument(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, payloads[i]["event"], doc.Content["event"])
		assert.NotEmpty(t, doc.Content[normalize.FieldRawPayload])
		assert.Equal(t, st.AppID, doc.Content[normalize.FieldAppID])
		assert.Equal(t, st.DID(), doc.Content[normalize.FieldDID])
		assert.NotEmpty(t, doc.Content[normalize.FieldCreatedAt])
		assert.NotNil(t, doc.Content[normalize.FieldUpdatedAt])
	}
	assert.Len(t, readIndex(t, store), 2)
}

func TestIndexReadFailureLeavesCompletedOrphan(t *testing.T) {
	store := newRecordingStore()
	store.readErr = errors.New("index shard offline")
	st := newSession(t, store)
	d := NewIndexDeliverer(store, nil, nil)

	err := d.Deliver(context.Background(), Unit{Kind: KindTrack, Payload: map[string]any{"event": "orphan"}, Session: st})
	var dErr *DeliveryError
	require.ErrorAs(t, err, &dErr)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Equal(t, "read_index", dErr.Stage)

	ids := store.Documents(EventFamily)
	require.Len(t, ids, 1)
	assert.Equal(t, ids[0], dErr.DocumentID)

	doc, lerr := store.LoadDocument(context.Background(), ids[0])
	require.NoError(t, lerr)
	assert.Equal(t, ids[0], doc.Content["id"])
	assert.NotContains(t, store.operations(), "set:events")
}

func TestDeliverWithoutIdentityFails(t *testing.T) {
	d := NewIndexDeliverer(docstore.NewMemoryStore(), nil, nil)
	err := d.Deliver(context.Background(), Unit{Kind: KindTrack, Payload: map[string]any{"event": "x"}})
	assert.ErrorIs(t, err, docstore.ErrNotAuthenticated)
}

func TestCloseDrainsThenRejects(t *testing.T) {
	store := docstore.NewMemoryStore()
	st := newSession(t, store)
	q := NewQueue(NewIndexDeliverer(store, nil, nil))

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(Unit{Kind: KindTrack, Payload: map[string]any{"event": "e"}, Session: st}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	assert.Len(t, store.Documents(EventFamily), 5)
	assert.ErrorIs(t, q.Enqueue(Unit{Kind: KindTrack}), ErrQueueClosed)
	assert.ErrorIs(t, q.Flush(ctx), ErrQueueClosed)
	assert.NoError(t, q.Close(ctx))
}
