package ledger

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ComUnity/web3analytics/internal/util/logger"
)

// ChainBackend is the node access the relay needs. *ethclient.Client
// satisfies it.
type ChainBackend interface {
	ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type RelayConfig struct {
	URL            string
	Paymaster      common.Address
	Forwarder      common.Address // resolved from the paymaster when zero
	RequestTimeout time.Duration
	PollInterval   time.Duration
	ValidFor       time.Duration
	HTTPClient     *http.Client
}

// PingResponse is the relay server's /getaddr answer.
type PingResponse struct {
	RelayWorkerAddress  string `json:"relayWorkerAddress"`
	RelayManagerAddress string `json:"relayManagerAddress"`
	RelayHubAddress     string `json:"relayHubAddress"`
	MinGasPrice         string `json:"minGasPrice"`
	ChainID             string `json:"chainId"`
	Ready               bool   `json:"ready"`
	Version             string `json:"version"`
}

type relayTransactionRequest struct {
	RelayRequest relayRequest  `json:"relayRequest"`
	Metadata     relayMetadata `json:"metadata"`
}

type relayRequest struct {
	Request   forwardRequest `json:"request"`
	RelayData relayData      `json:"relayData"`
}

type forwardRequest struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Value      string `json:"value"`
	Gas        string `json:"gas"`
	Nonce      string `json:"nonce"`
	Data       string `json:"data"`
	ValidUntil string `json:"validUntil"`
}

type relayData struct {
	GasPrice      string `json:"gasPrice"`
	PctRelayFee   string `json:"pctRelayFee"`
	BaseRelayFee  string `json:"baseRelayFee"`
	RelayWorker   string `json:"relayWorker"`
	Paymaster     string `json:"paymaster"`
	Forwarder     string `json:"forwarder"`
	PaymasterData string `json:"paymasterData"`
	ClientID      string `json:"clientId"`
}

type relayMetadata struct {
	ApprovalData    string `json:"approvalData"`
	RelayHubAddress string `json:"relayHubAddress"`
	RelayMaxNonce   uint64 `json:"relayMaxNonce"`
	Signature       string `json:"signature"`
}

type relayResponse struct {
	SignedTx string `json:"signedTx"`
	Error    string `json:"error"`
}

const (
	relayDomainName    = "GSN Relayed Transaction"
	relayDomainVersion = "2"
	relayMaxNonceGap   = 3
)

var ErrRelayNotReady = errors.New("relay: server not ready")

// RelayProvider submits contract calls as meta-transactions: the account
// signs an EIP-712 relay request, the relay server wraps it in a real
// transaction and the paymaster pays the gas.
type RelayProvider struct {
	cfg     RelayConfig
	backend ChainBackend
	http    *http.Client

	mu        sync.Mutex
	info      *PingResponse
	chainID   *big.Int
	forwarder common.Address
	accounts  map[common.Address]*ecdsa.PrivateKey
}

func NewRelayProvider(backend ChainBackend, cfg RelayConfig) *RelayProvider {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = 48 * time.Hour
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &RelayProvider{
		cfg:      cfg,
		backend:  backend,
		http:     hc,
		accounts: make(map[common.Address]*ecdsa.PrivateKey),
	}
}

// Init pings the relay server and resolves the chain id and forwarder.
func (p *RelayProvider) Init(ctx context.Context) error {
	if p.cfg.URL == "" {
		return errors.New("relay: url not configured")
	}
	var ping PingResponse
	if err := p.doJSON(ctx, http.MethodGet, "/getaddr", nil, &ping); err != nil {
		return fmt.Errorf("relay: ping: %w", err)
	}
	if !ping.Ready {
		return ErrRelayNotReady
	}
	if !common.IsHexAddress(ping.RelayWorkerAddress) || !common.IsHexAddress(ping.RelayHubAddress) {
		return fmt.Errorf("relay: malformed ping response")
	}

	chainID, err := p.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("relay: chain id: %w", err)
	}
	if ping.ChainID != "" {
		if relayChain, ok := math.ParseBig256(ping.ChainID); ok && relayChain.Cmp(chainID) != 0 {
			return fmt.Errorf("relay: relay serves chain %s, node is on %s", relayChain, chainID)
		}
	}

	forwarder := p.cfg.Forwarder
	if forwarder == (common.Address{}) {
		res, err := NewReader(p.backend, p.cfg.Paymaster, paymasterABI()).Call(ctx, methodTrustedForwarder)
		if err != nil {
			return fmt.Errorf("relay: resolve forwarder: %w", err)
		}
		addr, ok := res[0].(common.Address)
		if !ok {
			return fmt.Errorf("relay: trustedForwarder returned %T", res[0])
		}
		forwarder = addr
	}

	p.mu.Lock()
	p.info = &ping
	p.chainID = chainID
	p.forwarder = forwarder
	p.mu.Unlock()

	logger.Debug("Relay initialized: worker=%s hub=%s version=%s", ping.RelayWorkerAddress, ping.RelayHubAddress, ping.Version)
	return nil
}

// AddAccount registers a key the provider may sign relay requests with.
func (p *RelayProvider) AddAccount(key *ecdsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[crypto.PubkeyToAddress(key.PublicKey)] = key
}

// Send relays a call of data to contract `to` on behalf of from and returns
// the hash of the transaction the relay broadcast.
func (p *RelayProvider) Send(ctx context.Context, from, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	p.mu.Lock()
	info, chainID, forwarder := p.info, p.chainID, p.forwarder
	key, ok := p.accounts[from]
	p.mu.Unlock()

	if info == nil {
		return common.Hash{}, errors.New("relay: not initialized")
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("relay: no account for %s", from.Hex())
	}

	res, err := NewReader(p.backend, forwarder, forwarderABI()).Call(ctx, methodGetNonce, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: forwarder nonce: %w", err)
	}
	nonce, ok := res[0].(*big.Int)
	if !ok {
		return common.Hash{}, fmt.Errorf("relay: getNonce returned %T", res[0])
	}

	gasPrice, err := p.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: gas price: %w", err)
	}
	if minPrice, ok := math.ParseBig256(info.MinGasPrice); ok && minPrice.Cmp(gasPrice) > 0 {
		gasPrice = minPrice
	}

	workerNonce, err := p.backend.PendingNonceAt(ctx, common.HexToAddress(info.RelayWorkerAddress))
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: worker nonce: %w", err)
	}

	req := relayRequest{
		Request: forwardRequest{
			From:       from.Hex(),
			To:         to.Hex(),
			Value:      "0",
			Gas:        new(big.Int).SetUint64(gasLimit).String(),
			Nonce:      nonce.String(),
			Data:       hexutil.Encode(data),
			ValidUntil: big.NewInt(time.Now().Add(p.cfg.ValidFor).Unix()).String(),
		},
		RelayData: relayData{
			GasPrice:      gasPrice.String(),
			PctRelayFee:   "0",
			BaseRelayFee:  "0",
			RelayWorker:   common.HexToAddress(info.RelayWorkerAddress).Hex(),
			Paymaster:     p.cfg.Paymaster.Hex(),
			Forwarder:     forwarder.Hex(),
			PaymasterData: "0x",
			ClientID:      "1",
		},
	}

	sig, err := signRelayRequest(req, chainID, forwarder, key)
	if err != nil {
		return common.Hash{}, err
	}

	body := relayTransactionRequest{
		RelayRequest: req,
		Metadata: relayMetadata{
			ApprovalData:    "0x",
			RelayHubAddress: info.RelayHubAddress,
			RelayMaxNonce:   workerNonce + relayMaxNonceGap,
			Signature:       hexutil.Encode(sig),
		},
	}
	var resp relayResponse
	if err := p.doJSON(ctx, http.MethodPost, "/relay", body, &resp); err != nil {
		return common.Hash{}, fmt.Errorf("relay: submit: %w", err)
	}
	if resp.Error != "" {
		return common.Hash{}, fmt.Errorf("relay: rejected: %s", resp.Error)
	}

	raw, err := hexutil.Decode(resp.SignedTx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: signed tx: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("relay: decode signed tx: %w", err)
	}
	if tx.To() == nil || *tx.To() != common.HexToAddress(info.RelayHubAddress) {
		return common.Hash{}, errors.New("relay: signed tx does not target the relay hub")
	}

	// The relay broadcasts too; sending it ourselves guards against a relay
	// that signs and then sits on the transaction.
	if err := p.backend.SendTransaction(ctx, tx); err != nil && !isKnownTxError(err) {
		logger.Warn("Relay tx %s rebroadcast failed: %v", tx.Hash().Hex(), err)
	}
	return tx.Hash(), nil
}

// WaitForConfirmation polls for the receipt until the transaction is mined
// or ctx is done.
func (p *RelayProvider) WaitForConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := p.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("relay: receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *RelayProvider) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.URL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}

func relayTypedData(req relayRequest, chainID *big.Int, forwarder common.Address) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"RelayRequest": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "gas", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "validUntil", Type: "uint256"},
				{Name: "relayData", Type: "RelayData"},
			},
			"RelayData": {
				{Name: "gasPrice", Type: "uint256"},
				{Name: "pctRelayFee", Type: "uint256"},
				{Name: "baseRelayFee", Type: "uint256"},
				{Name: "relayWorker", Type: "address"},
				{Name: "paymaster", Type: "address"},
				{Name: "forwarder", Type: "address"},
				{Name: "paymasterData", Type: "bytes"},
				{Name: "clientId", Type: "uint256"},
			},
		},
		PrimaryType: "RelayRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              relayDomainName,
			Version:           relayDomainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: forwarder.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":       req.Request.From,
			"to":         req.Request.To,
			"value":      req.Request.Value,
			"gas":        req.Request.Gas,
			"nonce":      req.Request.Nonce,
			"data":       req.Request.Data,
			"validUntil": req.Request.ValidUntil,
			"relayData": map[string]interface{}{
				"gasPrice":      req.RelayData.GasPrice,
				"pctRelayFee":   req.RelayData.PctRelayFee,
				"baseRelayFee":  req.RelayData.BaseRelayFee,
				"relayWorker":   req.RelayData.RelayWorker,
				"paymaster":     req.RelayData.Paymaster,
				"forwarder":     req.RelayData.Forwarder,
				"paymasterData": req.RelayData.PaymasterData,
				"clientId":      req.RelayData.ClientID,
			},
		},
	}
}

// relayRequestDigest is the EIP-712 digest the forwarder verifies.
func relayRequestDigest(req relayRequest, chainID *big.Int, forwarder common.Address) ([]byte, error) {
	td := relayTypedData(req, chainID, forwarder)
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("relay: hash domain: %w", err)
	}
	msgHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("relay: hash request: %w", err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, msgHash...)
	return crypto.Keccak256(raw), nil
}

func signRelayRequest(req relayRequest, chainID *big.Int, forwarder common.Address, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := relayRequestDigest(req, chainID, forwarder)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("relay: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

func isKnownTxError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "nonce too low")
}
