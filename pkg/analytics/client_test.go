package analytics

import (
	"context"
	"crypto/ecdsa"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/web3analytics/internal/delivery"
	"github.com/ComUnity/web3analytics/internal/docstore"
	"github.com/ComUnity/web3analytics/internal/identity"
	"github.com/ComUnity/web3analytics/internal/normalize"
	"github.com/ComUnity/web3analytics/internal/registration"
	"github.com/ComUnity/web3analytics/internal/seed"
	"github.com/ComUnity/web3analytics/internal/storage"
)

const appID = "0x1111111111111111111111111111111111111111"

type fakeRegistry struct {
	mu        sync.Mutex
	app, user bool
	calls     int
}

func (f *fakeRegistry) IsAppRegistered(ctx context.Context, app common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.app, nil
}

func (f *fakeRegistry) IsUserRegistered(ctx context.Context, app, user common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.user, nil
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRelay struct {
	mu      sync.Mutex
	release chan struct{}
	sends   int
}

func (r *fakeRelay) Init(ctx context.Context) error { return nil }
func (r *fakeRelay) AddAccount(*ecdsa.PrivateKey)   {}

func (r *fakeRelay) Send(ctx context.Context, from, to common.Address, data []byte, gas uint64) (common.Hash, error) {
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return common.Hash{}, ctx.Err()
		}
	}
	r.mu.Lock()
	r.sends++
	r.mu.Unlock()
	return common.HexToHash("0x01"), nil
}

func (r *fakeRelay) WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (r *fakeRelay) sendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends
}

type fixture struct {
	kv       storage.KV
	store    *docstore.MemoryStore
	registry *fakeRegistry
	relay    *fakeRelay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := storage.NewFileKV(filepath.Join(t.TempDir(), "web3analytics.json"))
	require.NoError(t, err)
	return &fixture{
		kv:       kv,
		store:    docstore.NewMemoryStore(),
		registry: &fakeRegistry{app: true},
		relay:    &fakeRelay{},
	}
}

func (f *fixture) client(t *testing.T, app string) *Client {
	t.Helper()
	c, err := New(Options{AppID: app, LogLevel: "error"}, Dependencies{
		KV:       f.kv,
		Store:    f.store,
		Registry: f.registry,
		Relays: func(common.Address) (registration.Relay, error) {
			return f.relay, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func flush(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
}

func TestInitializeCreatesOneSeedAndStableDID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.kv.Get(ctx, seed.SeedKey)
	require.ErrorIs(t, err, storage.ErrNotFound)

	first := f.client(t, appID)
	require.NoError(t, first.Initialize(ctx))
	did := first.DID()
	require.True(t, strings.HasPrefix(did, "did:key:zQ3s"), did)

	stored, err := f.kv.Get(ctx, seed.SeedKey)
	require.NoError(t, err)
	cached, err := f.kv.Get(ctx, seed.DIDKey)
	require.NoError(t, err)
	assert.Equal(t, did, cached)

	// a fresh client over the same persisted storage
	second := f.client(t, appID)
	require.NoError(t, second.Initialize(ctx))
	assert.Equal(t, did, second.DID())

	again, err := f.kv.Get(ctx, seed.SeedKey)
	require.NoError(t, err)
	assert.Equal(t, stored, again)
}

func TestInitializeTwice(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, appID)
	require.NoError(t, c.Initialize(context.Background()))
	assert.ErrorIs(t, c.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestEventsDeliveredWhenLoaded(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, appID)
	require.NoError(t, c.Initialize(context.Background()))
	require.True(t, c.Loaded())

	c.Page(map[string]any{"event": "page_view"})
	require.NoError(t, c.TrackJSON([]byte(`{"event":"click","meta":{"ts":1700000000000}}`)))
	c.Identify(map[string]any{"event": "identify", "traits": map[string]any{"plan": "pro"}})
	flush(t, c)

	ids := f.store.Documents(delivery.EventFamily)
	require.Len(t, ids, 3)

	doc, err := f.store.LoadDocument(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, "click", doc.Content["event"])
	assert.Equal(t, `{"event":"click","meta":{"ts":1700000000000}}`, doc.Content[normalize.FieldRawPayload])
	assert.Equal(t, "1700000000000", doc.Content[normalize.FieldMetaTS])
	assert.Equal(t, appID, doc.Content[normalize.FieldAppID])
	assert.Equal(t, c.DID(), doc.Content[normalize.FieldDID])

	idx, err := f.store.ReadNamed(context.Background(), delivery.IndexName)
	require.NoError(t, err)
	entries := idx["events"].([]any)
	require.Len(t, entries, 3)
	assert.EqualValues(t, 1700000000000, entries[1].(map[string]any)["updated_at"])
}

func TestTrackCopiesPayloadTopLevel(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, appID)
	require.NoError(t, c.Initialize(context.Background()))

	payload := map[string]any{"event": "click"}
	c.Track(payload)
	payload["event"] = "reused"
	payload["extra"] = true
	flush(t, c)

	ids := f.store.Documents(delivery.EventFamily)
	require.Len(t, ids, 1)
	doc, err := f.store.LoadDocument(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "click", doc.Content["event"])
	assert.NotContains(t, doc.Content, "extra")
}

func TestUnregisteredAppDropsEvents(t *testing.T) {
	f := newFixture(t)
	f.registry.app = false
	c := f.client(t, appID)
	require.NoError(t, c.Initialize(context.Background()))

	assert.False(t, c.Loaded())
	assert.NotEmpty(t, c.DID())
	c.Track(map[string]any{"event": "click"})
	flush(t, c)
	assert.Empty(t, f.store.Documents(delivery.EventFamily))
	assert.Zero(t, f.relay.sendCount())
}

func TestMalformedAppIDMakesNoLedgerCalls(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "not-an-address")
	require.NoError(t, c.Initialize(context.Background()))
	assert.False(t, c.Loaded())
	assert.Zero(t, f.registry.callCount())
}

func TestEventsBeforeInitializeAreDropped(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, appID)
	c.Track(map[string]any{"event": "early"})
	require.NoError(t, c.Initialize(context.Background()))
	flush(t, c)
	assert.Empty(t, f.store.Documents(delivery.EventFamily))
}

func TestAuthenticationFailureKeepsClientUnloaded(t *testing.T) {
	f := newFixture(t)
	zeros := "[" + strings.TrimSuffix(strings.Repeat("0,", 32), ",") + "]"
	require.NoError(t, f.kv.Set(context.Background(), seed.SeedKey, zeros))

	c := f.client(t, appID)
	err := c.Initialize(context.Background())
	var authErr *identity.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, c.Loaded())
	assert.Empty(t, c.DID())
	assert.Zero(t, f.registry.callCount())
}

func TestRegistrationDoesNotBlockReadiness(t *testing.T) {
	f := newFixture(t)
	f.relay.release = make(chan struct{})
	c := f.client(t, appID)

	require.NoError(t, c.Initialize(context.Background()))
	assert.True(t, c.Loaded())
	require.Eventually(t, func() bool { return c.UserState() == registration.Registering }, time.Second, time.Millisecond)

	close(f.relay.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, f.relay.sendCount())
	assert.Equal(t, registration.UserRegistered, c.UserState())
}

func TestRegisteredUserIsNotResubmitted(t *testing.T) {
	f := newFixture(t)
	f.registry.user = true
	c := f.client(t, appID)
	require.NoError(t, c.Initialize(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	assert.Zero(t, f.relay.sendCount())
}

func TestJSONEntryPointsRejectMalformedPayloads(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, appID)
	for _, raw := range []string{``, `{`, `[1,2]`, `null`, `{"a":1} {"b":2}`} {
		assert.Error(t, c.TrackJSON([]byte(raw)), raw)
	}
	assert.NoError(t, c.PageJSON([]byte(`{"event":"ok"}`)))
}

func TestNewRequiresStores(t *testing.T) {
	_, err := New(Options{AppID: appID}, Dependencies{})
	assert.Error(t, err)

	f := newFixture(t)
	_, err = New(Options{AppID: appID}, Dependencies{KV: f.kv, Store: f.store})
	assert.Error(t, err, "no chain access configured")
}
