// Package analytics is the embeddable web3 analytics client. A Client owns
// one device identity, checks the app's on-chain registration and writes
// page, track and identify events to the document store in call order.
//
//	c, err := analytics.New(analytics.Options{AppID: appID, JSONRPCURL: rpc}, deps)
//	if err := c.Initialize(ctx); err != nil { ... }
//	c.Track(map[string]any{"event": "click"})
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ComUnity/web3analytics/internal/config"
	"github.com/ComUnity/web3analytics/internal/delivery"
	"github.com/ComUnity/web3analytics/internal/docstore"
	"github.com/ComUnity/web3analytics/internal/identity"
	"github.com/ComUnity/web3analytics/internal/ledger"
	"github.com/ComUnity/web3analytics/internal/normalize"
	"github.com/ComUnity/web3analytics/internal/registration"
	"github.com/ComUnity/web3analytics/internal/seed"
	"github.com/ComUnity/web3analytics/internal/session"
	"github.com/ComUnity/web3analytics/internal/storage"
	"github.com/ComUnity/web3analytics/internal/telemetry"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

var ErrAlreadyInitialized = errors.New("analytics: already initialized")

// Options is the runtime configuration the client reads.
type Options struct {
	AppID      string
	JSONRPCURL string
	LogLevel   string // debug, info, warn or error; anything else is ignored
}

// Dependencies are the collaborators of a Client. KV and Store are
// required. Chain access is dialed from Options.JSONRPCURL when Chain,
// Registry or Relays are left nil.
type Dependencies struct {
	KV     storage.KV
	Sealer seed.Sealer
	Store  docstore.Store

	Chain    ledger.ChainBackend
	Registry registration.RegistryReader
	Relays   registration.RelayFactory
	Relay    ledger.RelayConfig
	Resolver identity.Resolver

	// Zero addresses fall back to the public deployment.
	AnalyticsContract common.Address
	Paymaster         common.Address
	GasLimit          uint64
	ConfirmTimeout    time.Duration

	Audit      telemetry.Publisher
	Normalizer *normalize.Normalizer
}

type Client struct {
	opts  Options
	seeds *seed.Store
	boot  *identity.Bootstrap
	gate  *registration.Gate
	queue *delivery.Queue

	state atomic.Pointer[session.State]

	initMu      sync.Mutex
	initialized bool

	regWG     sync.WaitGroup
	regCtx    context.Context
	regCancel context.CancelFunc
}

func New(opts Options, deps Dependencies) (*Client, error) {
	if deps.KV == nil {
		return nil, errors.New("analytics: KV store required")
	}
	if deps.Store == nil {
		return nil, errors.New("analytics: document store required")
	}
	if opts.LogLevel != "" && !logger.SetLevel(opts.LogLevel) {
		logger.Warn("Ignoring unknown log level %q", opts.LogLevel)
	}

	if deps.AnalyticsContract == (common.Address{}) {
		deps.AnalyticsContract = common.HexToAddress(config.DefaultAnalyticsContract)
	}
	if deps.Paymaster == (common.Address{}) {
		deps.Paymaster = common.HexToAddress(config.DefaultPaymaster)
	}
	if deps.GasLimit == 0 {
		deps.GasLimit = config.DefaultGasLimit
	}
	if deps.Audit == nil {
		deps.Audit = telemetry.Nop{}
	}

	if deps.Registry == nil || deps.Relays == nil {
		if deps.Chain == nil {
			if opts.JSONRPCURL == "" {
				return nil, errors.New("analytics: json-rpc url required")
			}
			ec, err := ethclient.Dial(opts.JSONRPCURL)
			if err != nil {
				return nil, fmt.Errorf("analytics: dial %s: %w", opts.JSONRPCURL, err)
			}
			deps.Chain = ec
		}
		if deps.Registry == nil {
			deps.Registry = ledger.NewAnalyticsReader(deps.Chain, deps.AnalyticsContract)
		}
		if deps.Relays == nil {
			deps.Relays = RelayFactory(deps.Chain, deps.Relay)
		}
	}

	var seedOpts []seed.Option
	if deps.Sealer != nil {
		seedOpts = append(seedOpts, seed.WithSealer(deps.Sealer))
	}

	c := &Client{
		opts:  opts,
		seeds: seed.NewStore(deps.KV, seedOpts...),
		boot:  identity.NewBootstrap(deps.Resolver, deps.Store),
		gate: registration.NewGate(deps.Registry, deps.Relays, registration.Config{
			Contract:       deps.AnalyticsContract,
			Paymaster:      deps.Paymaster,
			GasLimit:       deps.GasLimit,
			ConfirmTimeout: deps.ConfirmTimeout,
		}, deps.Audit),
		queue: delivery.NewQueue(delivery.NewIndexDeliverer(deps.Store, deps.Normalizer, deps.Audit)),
	}
	c.regCtx, c.regCancel = context.WithCancel(context.Background())
	return c, nil
}

// RelayFactory builds GSN relay sessions over chain.
func RelayFactory(chain ledger.ChainBackend, cfg ledger.RelayConfig) registration.RelayFactory {
	return func(paymaster common.Address) (registration.Relay, error) {
		rc := cfg
		rc.Paymaster = paymaster
		return ledger.NewRelayProvider(chain, rc), nil
	}
}

// Initialize loads or creates the device seed, authenticates its identity,
// checks the app registration and, for a registered app, starts the user
// registration in the background. It fails only when the identity cannot
// be authenticated or the seed cannot be loaded; instrumentation then stays
// disabled.
func (c *Client) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	if c.initialized {
		c.initMu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.initMu.Unlock()

	st, err := c.initialize(ctx)
	if err != nil {
		c.initMu.Lock()
		c.initialized = false
		c.initMu.Unlock()
		return err
	}
	c.state.Store(st)

	if st.AppRegistered {
		c.regWG.Add(1)
		go func() {
			defer c.regWG.Done()
			_, _ = c.gate.EnsureUser(c.regCtx, st.AppID, st.Identity)
		}()
	}
	return nil
}

func (c *Client) initialize(ctx context.Context) (*session.State, error) {
	s, created, err := c.seeds.LoadOrCreate(ctx)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Debug("Created new seed")
	}

	ident, err := c.boot.Authenticate(ctx, s.Bytes())
	if err != nil {
		logger.Errorf("Identity authentication failed: %v", err)
		return nil, err
	}
	if err := c.seeds.SaveDID(ctx, ident.DID()); err != nil {
		logger.Warn("Could not cache DID: %v", err)
	}

	registered, err := c.gate.CheckAppRegistration(ctx, c.opts.AppID)
	if err != nil {
		logger.Errorf("App registration check failed: %v", err)
		registered = false
	}

	return &session.State{
		AppID:         c.opts.AppID,
		Identity:      ident,
		AppRegistered: registered,
		InitializedAt: time.Now().UTC(),
	}, nil
}

// Loaded reports whether initialization completed and the app is
// registered. Events are dropped until it does.
func (c *Client) Loaded() bool {
	return c.state.Load().Ready()
}

// DID is the authenticated device DID, or "" before Initialize.
func (c *Client) DID() string {
	return c.state.Load().DID()
}

// State returns the current session snapshot, nil before Initialize.
func (c *Client) State() *session.State {
	return c.state.Load()
}

// UserState is the registration gate's view of the device user.
func (c *Client) UserState() registration.UserState {
	return c.gate.UserState()
}

// Page, Track and Identify copy the top level of payload before returning.
// Nested maps and slices are read later by the delivery worker and must not
// be mutated by the caller afterwards.
func (c *Client) Page(payload map[string]any)     { c.enqueue(delivery.KindPage, payload, nil) }
func (c *Client) Track(payload map[string]any)    { c.enqueue(delivery.KindTrack, payload, nil) }
func (c *Client) Identify(payload map[string]any) { c.enqueue(delivery.KindIdentify, payload, nil) }

// PageJSON, TrackJSON and IdentifyJSON take the payload as a JSON object
// and keep the bytes verbatim as the record's raw payload. Only malformed
// JSON is reported.
func (c *Client) PageJSON(raw []byte) error     { return c.enqueueJSON(delivery.KindPage, raw) }
func (c *Client) TrackJSON(raw []byte) error    { return c.enqueueJSON(delivery.KindTrack, raw) }
func (c *Client) IdentifyJSON(raw []byte) error { return c.enqueueJSON(delivery.KindIdentify, raw) }

func (c *Client) enqueueJSON(kind delivery.Kind, raw []byte) error {
	payload, err := DecodePayload(raw)
	if err != nil {
		return err
	}
	c.enqueue(kind, payload, raw)
	return nil
}

// DecodePayload parses a JSON object, keeping numbers as json.Number.
func DecodePayload(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("analytics: decode payload: %w", err)
	}
	if payload == nil {
		return nil, errors.New("analytics: payload must be a JSON object")
	}
	if dec.More() {
		return nil, errors.New("analytics: trailing data after payload")
	}
	return payload, nil
}

func (c *Client) enqueue(kind delivery.Kind, payload map[string]any, raw []byte) {
	st := c.state.Load()
	if !st.Ready() {
		logger.Debug("Dropping %s event: client not loaded", kind)
		return
	}
	owned := make(map[string]any, len(payload))
	for k, v := range payload {
		owned[k] = v
	}
	if err := c.queue.Enqueue(delivery.Unit{Kind: kind, Payload: owned, Raw: raw, Session: st}); err != nil {
		logger.Debug("Dropping %s event: %v", kind, err)
	}
}

// Flush waits for every event enqueued so far to settle.
func (c *Client) Flush(ctx context.Context) error {
	return c.queue.Flush(ctx)
}

// Close waits for an in-flight registration, then drains the queue. When
// ctx ends first the registration is cancelled. Close must not run
// concurrently with Initialize.
func (c *Client) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.regWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.regCancel()
	}
	err := c.queue.Close(ctx)
	c.regCancel()
	return err
}
