// Package rpc carries ledger.Client over JSON-RPC 2.0 on HTTP. Ledger
// sentinel errors cross the wire by code and come back as the same errors.
package rpc

import (
	"encoding/json"

	"crankd/internal/address"
	"crankd/internal/ledger"
)

const (
	MethodQueue    = "getTaskQueue"
	MethodTask     = "getTask"
	MethodTasks    = "getTasks"
	MethodBalance  = "getBalance"
	MethodSubmit   = "sendTransaction"
	MethodSimulate = "simulateTransaction"
	MethodAirdrop  = "requestAirdrop"
)

// JSON-RPC error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeLedger         = -32000
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error. Kind is a ledger.Sentinels code when the ledger
// produced it, and Unwrap returns that sentinel.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return ledger.Sentinels[e.Kind] }

type queueParams struct {
	Queue address.Address `json:"queue"`
}

type taskParams struct {
	Task address.Address `json:"task"`
}

type tasksParams struct {
	Queue address.Address `json:"queue"`
	IDs   []uint16        `json:"ids"`
}

type balanceParams struct {
	Account address.Address `json:"account"`
}

type txParams struct {
	Transaction *ledger.Transaction `json:"transaction"`
}

type airdropParams struct {
	Account address.Address `json:"account"`
	Amount  uint64          `json:"amount"`
}
