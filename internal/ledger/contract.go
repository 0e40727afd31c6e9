// Package ledger talks to the analytics registry contract: read-only calls
// through any JSON-RPC node, writes through a gas relay.
package ledger

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abi/Web3Analytics.json
var analyticsABIJSON []byte

//go:embed abi/Forwarder.json
var forwarderABIJSON []byte

//go:embed abi/Paymaster.json
var paymasterABIJSON []byte

// Contract method names.
const (
	MethodIsAppRegistered  = "isAppRegistered"
	MethodIsUserRegistered = "isUserRegistered"
	MethodAddUser          = "addUser"
	methodGetNonce         = "getNonce"
	methodTrustedForwarder = "trustedForwarder"
)

// AnalyticsABI returns the parsed registry contract ABI.
func AnalyticsABI() abi.ABI { return mustParse(analyticsABIJSON) }

func forwarderABI() abi.ABI { return mustParse(forwarderABIJSON) }

func paymasterABI() abi.ABI { return mustParse(paymasterABIJSON) }

func mustParse(b []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(b))
	if err != nil {
		panic(fmt.Sprintf("ledger: embedded ABI: %v", err))
	}
	return parsed
}
