package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ContractCaller executes read-only calls. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader performs read-only calls against one contract. No signing.
type Reader struct {
	caller  ContractCaller
	abi     abi.ABI
	address common.Address
}

func NewReader(caller ContractCaller, address common.Address, contractABI abi.ABI) *Reader {
	return &Reader{caller: caller, abi: contractABI, address: address}
}

// NewAnalyticsReader binds a Reader to the analytics registry.
func NewAnalyticsReader(caller ContractCaller, address common.Address) *Reader {
	return NewReader(caller, address, AnalyticsABI())
}

// Call packs args, calls method at the latest block and unpacks the result.
func (r *Reader) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, span := otel.Tracer("ledger").Start(ctx, "ledger.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.contract", r.address.Hex()),
		attribute.String("ledger.method", method),
	)

	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := r.address
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
		return nil, fmt.Errorf("ledger: call %s: %w", method, err)
	}
	res, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return res, nil
}

func (r *Reader) callBool(ctx context.Context, method string, args ...interface{}) (bool, error) {
	res, err := r.Call(ctx, method, args...)
	if err != nil {
		return false, err
	}
	if len(res) != 1 {
		return false, fmt.Errorf("ledger: %s returned %d values", method, len(res))
	}
	v, ok := res[0].(bool)
	if !ok {
		return false, fmt.Errorf("ledger: %s returned %T, want bool", method, res[0])
	}
	return v, nil
}

func (r *Reader) IsAppRegistered(ctx context.Context, app common.Address) (bool, error) {
	return r.callBool(ctx, MethodIsAppRegistered, app)
}

func (r *Reader) IsUserRegistered(ctx context.Context, app, user common.Address) (bool, error) {
	return r.callBool(ctx, MethodIsUserRegistered, app, user)
}
