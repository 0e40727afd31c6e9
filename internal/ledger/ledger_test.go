package ledger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testApp       = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testUser      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testContract  = common.HexToAddress("0x25874Dd2dE546eF0D9c0D247Ea6CA0AF1F362941")
	testPaymaster = common.HexToAddress("0x487316eff97A1F71dd1779FEb5D1265a5C0E11aD")
	testForwarder = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testHub       = common.HexToAddress("0x4444444444444444444444444444444444444444")
	testWorker    = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

// fakeChain answers contract calls by method selector.
type fakeChain struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     []string
	sent      []*types.Transaction
	receiptAt int
	polls     int
	chainID   *big.Int
}

func newFakeChain() *fakeChain {
	return &fakeChain{responses: make(map[string][]byte), chainID: big.NewInt(80001)}
}

func (f *fakeChain) answer(t *testing.T, contractABI abi.ABI, method string, values ...interface{}) {
	t.Helper()
	out, err := contractABI.Methods[method].Outputs.Pack(values...)
	require.NoError(t, err)
	f.responses[string(contractABI.Methods[method].ID)] = out
}

func (f *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out, ok := f.responses[string(call.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	f.calls = append(f.calls, hexutil.Encode(call.Data[:4]))
	return out, nil
}

func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	return 4, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return errors.New("already known")
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls < f.receiptAt {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
}

func TestReaderRegistrationChecks(t *testing.T) {
	chain := newFakeChain()
	chain.answer(t, AnalyticsABI(), MethodIsAppRegistered, true)
	chain.answer(t, AnalyticsABI(), MethodIsUserRegistered, false)

	r := NewAnalyticsReader(chain, testContract)
	ctx := context.Background()

	ok, err := r.IsAppRegistered(ctx, testApp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.IsUserRegistered(ctx, testApp, testUser)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, chain.calls, 2)
}

func TestReaderPropagatesCallErrors(t *testing.T) {
	r := NewAnalyticsReader(newFakeChain(), testContract)
	_, err := r.IsAppRegistered(context.Background(), testApp)
	assert.Error(t, err)
}

// relayServer plays the relay: it checks the EIP-712 signature and answers
// with a worker-signed transaction to the hub.
type relayServer struct {
	t       *testing.T
	chainID *big.Int
	worker  *ecdsa.PrivateKey
	signer  common.Address
	ready   bool
	reject  string
	got     relayTransactionRequest
}

func (s *relayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/getaddr":
		_ = json.NewEncoder(w).Encode(PingResponse{
			RelayWorkerAddress:  testWorker.Hex(),
			RelayManagerAddress: testWorker.Hex(),
			RelayHubAddress:     testHub.Hex(),
			MinGasPrice:         "2000000000",
			ChainID:             s.chainID.String(),
			Ready:               s.ready,
			Version:             "2.2.0",
		})
	case "/relay":
		if err := json.NewDecoder(r.Body).Decode(&s.got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if s.reject != "" {
			_ = json.NewEncoder(w).Encode(relayResponse{Error: s.reject})
			return
		}
		digest, err := relayRequestDigest(s.got.RelayRequest, s.chainID, testForwarder)
		require.NoError(s.t, err)
		sig, err := hexutil.Decode(s.got.Metadata.Signature)
		require.NoError(s.t, err)
		sig[64] -= 27
		pub, err := crypto.SigToPub(digest, sig)
		require.NoError(s.t, err)
		s.signer = crypto.PubkeyToAddress(*pub)

		hub := testHub
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			Nonce:    4,
			To:       &hub,
			Gas:      1_000_000,
			GasPrice: big.NewInt(2_000_000_000),
			Data:     []byte{0x01},
		}), types.NewEIP155Signer(s.chainID), s.worker)
		require.NoError(s.t, err)
		raw, err := tx.MarshalBinary()
		require.NoError(s.t, err)
		_ = json.NewEncoder(w).Encode(relayResponse{SignedTx: hexutil.Encode(raw)})
	default:
		http.NotFound(w, r)
	}
}

func newRelayFixture(t *testing.T) (*RelayProvider, *fakeChain, *relayServer, *ecdsa.PrivateKey) {
	t.Helper()
	chain := newFakeChain()
	chain.answer(t, paymasterABI(), methodTrustedForwarder, testForwarder)
	chain.answer(t, forwarderABI(), methodGetNonce, big.NewInt(7))

	worker, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := &relayServer{t: t, chainID: chain.chainID, worker: worker, ready: true}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	user, err := crypto.GenerateKey()
	require.NoError(t, err)

	p := NewRelayProvider(chain, RelayConfig{URL: ts.URL, Paymaster: testPaymaster, PollInterval: time.Millisecond})
	p.AddAccount(user)
	return p, chain, srv, user
}

func TestRelaySendSignsForwarderRequest(t *testing.T) {
	p, chain, srv, user := newRelayFixture(t)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx))

	from := crypto.PubkeyToAddress(user.PublicKey)
	data, err := AnalyticsABI().Pack(MethodAddUser, "did:key:zQ3sTest", testApp)
	require.NoError(t, err)

	hash, err := p.Send(ctx, from, testContract, data, 1_000_000)
	require.NoError(t, err)

	assert.Equal(t, from, srv.signer)
	assert.Equal(t, "7", srv.got.RelayRequest.Request.Nonce)
	assert.Equal(t, "2000000000", srv.got.RelayRequest.RelayData.GasPrice)
	assert.Equal(t, testForwarder.Hex(), srv.got.RelayRequest.RelayData.Forwarder)
	assert.Equal(t, uint64(7), srv.got.Metadata.RelayMaxNonce)
	assert.True(t, bytes.Equal(data, hexutil.MustDecode(srv.got.RelayRequest.Request.Data)))

	require.Len(t, chain.sent, 1)
	assert.Equal(t, chain.sent[0].Hash(), hash)
}

func TestRelaySendRequiresKnownAccount(t *testing.T) {
	p, _, _, _ := newRelayFixture(t)
	require.NoError(t, p.Init(context.Background()))
	_, err := p.Send(context.Background(), testUser, testContract, nil, 1)
	assert.Error(t, err)
}

func TestRelayRejection(t *testing.T) {
	p, _, srv, user := newRelayFixture(t)
	srv.reject = "paymaster rejected"
	require.NoError(t, p.Init(context.Background()))
	_, err := p.Send(context.Background(), crypto.PubkeyToAddress(user.PublicKey), testContract, nil, 1)
	assert.ErrorContains(t, err, "paymaster rejected")
}

func TestRelayInitNotReady(t *testing.T) {
	p, _, srv, _ := newRelayFixture(t)
	srv.ready = false
	assert.ErrorIs(t, p.Init(context.Background()), ErrRelayNotReady)
}

func TestRelayInitChainMismatch(t *testing.T) {
	p, _, srv, _ := newRelayFixture(t)
	srv.chainID = big.NewInt(1)
	assert.Error(t, p.Init(context.Background()))
}

func TestWaitForConfirmationPolls(t *testing.T) {
	p, chain, _, _ := newRelayFixture(t)
	chain.receiptAt = 3
	receipt, err := p.WaitForConfirmation(context.Background(), common.HexToHash("0xabc"))
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, 3, chain.polls)
}

func TestWaitForConfirmationHonoursContext(t *testing.T) {
	p, chain, _, _ := newRelayFixture(t)
	chain.receiptAt = 1 << 30
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.WaitForConfirmation(ctx, common.HexToHash("0xabc"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
