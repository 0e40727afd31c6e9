// Package registration checks the ledger for app and user registration and
// submits the relayed addUser transaction when the user is missing.
package registration

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ComUnity/web3analytics/internal/identity"
	"github.com/ComUnity/web3analytics/internal/ledger"
	"github.com/ComUnity/web3analytics/internal/telemetry"
	"github.com/ComUnity/web3analytics/internal/util/logger"
)

type AppState int

const (
	AppUnknown AppState = iota
	AppUnregistered
	AppRegistered
)

func (s AppState) String() string {
	switch s {
	case AppUnregistered:
		return "app_unregistered"
	case AppRegistered:
		return "app_registered"
	}
	return "app_unknown"
}

type UserState int

const (
	UserUnknown UserState = iota
	UserUnregistered
	Registering
	UserRegistered
)

func (s UserState) String() string {
	switch s {
	case UserUnregistered:
		return "user_unregistered"
	case Registering:
		return "registering"
	case UserRegistered:
		return "user_registered"
	}
	return "user_unknown"
}

// RegistryReader is the read side of the analytics contract.
// *ledger.Reader implements it.
type RegistryReader interface {
	IsAppRegistered(ctx context.Context, app common.Address) (bool, error)
	IsUserRegistered(ctx context.Context, app, user common.Address) (bool, error)
}

// Relay submits gas-relayed contract calls. *ledger.RelayProvider
// implements it.
type Relay interface {
	Init(ctx context.Context) error
	AddAccount(key *ecdsa.PrivateKey)
	Send(ctx context.Context, from, to common.Address, data []byte, gasLimit uint64) (common.Hash, error)
	WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// RelayFactory builds a relay session paid for by paymaster.
type RelayFactory func(paymaster common.Address) (Relay, error)

type Config struct {
	Contract       common.Address
	Paymaster      common.Address
	GasLimit       uint64
	ConfirmTimeout time.Duration
}

type Gate struct {
	reader RegistryReader
	relays RelayFactory
	cfg    Config
	audit  telemetry.Publisher

	mu   sync.Mutex
	app  AppState
	user UserState
}

func NewGate(reader RegistryReader, relays RelayFactory, cfg Config, audit telemetry.Publisher) *Gate {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 1_000_000
	}
	if audit == nil {
		audit = telemetry.Nop{}
	}
	return &Gate{reader: reader, relays: relays, cfg: cfg, audit: audit}
}

func (g *Gate) AppState() AppState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.app
}

func (g *Gate) UserState() UserState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.user
}

// ParseAppID validates appID as a chain address.
func ParseAppID(appID string) (common.Address, error) {
	if !common.IsHexAddress(appID) {
		return common.Address{}, &ConfigurationError{Field: "app id", Value: appID}
	}
	return common.HexToAddress(appID), nil
}

// CheckAppRegistration reports whether appID is registered. A malformed
// appID is treated as unregistered without touching the ledger.
func (g *Gate) CheckAppRegistration(ctx context.Context, appID string) (bool, error) {
	app, err := ParseAppID(appID)
	if err != nil {
		logger.Errorf("App registration check skipped: %v", err)
		g.setApp(AppUnregistered)
		g.publish(registrationEvent("check_app", appID, "", "invalid_config", err))
		return false, nil
	}

	ok, err := g.reader.IsAppRegistered(ctx, app)
	if err != nil {
		g.publish(registrationEvent("check_app", appID, "", "error", err))
		return false, err
	}
	if ok {
		g.setApp(AppRegistered)
		g.publish(registrationEvent("check_app", appID, "", "registered", nil))
	} else {
		g.setApp(AppUnregistered)
		logger.Errorf("App %s is not registered", app.Hex())
		g.publish(registrationEvent("check_app", appID, "", "unregistered", nil))
	}
	return ok, nil
}

// CheckUserRegistration reports whether user is registered for appID.
func (g *Gate) CheckUserRegistration(ctx context.Context, appID string, user common.Address) (bool, error) {
	app, err := ParseAppID(appID)
	if err != nil {
		logger.Errorf("User registration check skipped: %v", err)
		return false, nil
	}
	ok, err := g.reader.IsUserRegistered(ctx, app, user)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	switch {
	case ok:
		g.user = UserRegistered
	case g.user != Registering:
		g.user = UserUnregistered
	}
	g.mu.Unlock()
	return ok, nil
}

// RegisterUser submits addUser(did, appID) through the relay and waits for
// the transaction to be mined. It never retries. A gate that is already
// registering returns ErrRegistrationInProgress without submitting.
func (g *Gate) RegisterUser(ctx context.Context, appID string, key *ecdsa.PrivateKey, did string) error {
	app, err := ParseAppID(appID)
	if err != nil {
		return &RegistrationError{Stage: "config", Err: err}
	}

	g.mu.Lock()
	if g.user == Registering {
		g.mu.Unlock()
		return ErrRegistrationInProgress
	}
	g.user = Registering
	g.mu.Unlock()

	from := crypto.PubkeyToAddress(key.PublicKey)
	hash, err := g.submit(ctx, app, from, key, did)
	if err != nil {
		g.setUser(UserUnregistered)
		ev := registrationEvent("register_user", appID, did, "failed", err)
		ev.Address = from.Hex()
		ev.TxHash = hashHex(hash)
		g.publish(ev)
		return err
	}

	g.setUser(UserRegistered)
	ev := registrationEvent("register_user", appID, did, "registered", nil)
	ev.Address = from.Hex()
	ev.TxHash = hash.Hex()
	g.publish(ev)
	return nil
}

func (g *Gate) submit(ctx context.Context, app, from common.Address, key *ecdsa.PrivateKey, did string) (common.Hash, error) {
	if g.relays == nil {
		return common.Hash{}, &RegistrationError{Stage: "relay", Err: errNoRelay}
	}
	relay, err := g.relays(g.cfg.Paymaster)
	if err != nil {
		return common.Hash{}, &RegistrationError{Stage: "relay", Err: err}
	}
	if err := relay.Init(ctx); err != nil {
		return common.Hash{}, &RegistrationError{Stage: "init", Err: err}
	}
	relay.AddAccount(key)

	data, err := ledger.AnalyticsABI().Pack(ledger.MethodAddUser, did, app)
	if err != nil {
		return common.Hash{}, &RegistrationError{Stage: "pack", Err: err}
	}

	logger.Infof("Registering user %s (%s) for app %s", from.Hex(), did, app.Hex())
	hash, err := relay.Send(ctx, from, g.cfg.Contract, data, g.cfg.GasLimit)
	if err != nil {
		return common.Hash{}, &RegistrationError{Stage: "submit", Err: err}
	}

	wctx := ctx
	if g.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
		defer cancel()
	}
	receipt, err := relay.WaitForConfirmation(wctx, hash)
	if err != nil {
		return hash, &RegistrationError{Stage: "confirm", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, &RegistrationError{Stage: "reverted", Err: errReverted}
	}
	logger.Infof("User %s registered in tx %s", from.Hex(), hash.Hex())
	return hash, nil
}

// EnsureUser registers ident for appID unless the ledger already has it.
// Outcomes are logged; the returned error is informational.
func (g *Gate) EnsureUser(ctx context.Context, appID string, ident *identity.Identity) (bool, error) {
	ok, err := g.CheckUserRegistration(ctx, appID, ident.Address())
	if err != nil {
		logger.Errorf("User registration check failed for %s: %v", ident.Address().Hex(), err)
		return false, err
	}
	if ok {
		logger.Debug("User %s already registered", ident.Address().Hex())
		return true, nil
	}
	if err := g.RegisterUser(ctx, appID, ident.PrivateKey(), ident.DID()); err != nil {
		if errors.Is(err, ErrRegistrationInProgress) {
			logger.Debug("Registration for %s already in flight", ident.Address().Hex())
			return false, nil
		}
		logger.Errorf("Registration of user %s (%s) failed: %v", ident.Address().Hex(), ident.DID(), err)
		return false, err
	}
	return true, nil
}

func (g *Gate) setApp(s AppState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	// registration is monotonic
	if g.app == AppRegistered {
		return
	}
	g.app = s
}

func (g *Gate) setUser(s UserState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.user = s
}

func (g *Gate) publish(ev telemetry.RegistrationAuditEvent) {
	g.audit.Publish(ev)
}

// registrationEvent builds the audit record for one gate action.
func registrationEvent(action, appID, did, outcome string, err error) telemetry.RegistrationAuditEvent {
	ev := telemetry.RegistrationAuditEvent{
		Timestamp: time.Now().UTC(),
		Action:    action,
		AppID:     appID,
		DID:       did,
		Outcome:   outcome,
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	return ev
}

func hashHex(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
