package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"crankd/internal/address"
	"crankd/internal/ledger"
	logx "crankd/pkg/logx"
)

const maxRequestBytes = 4 << 20

// Airdropper is implemented by ledgers that can mint test balances.
type Airdropper interface {
	Airdrop(account address.Address, amount uint64)
}

// Handler serves backend over JSON-RPC. requestAirdrop is only available
// when backend implements Airdropper.
type Handler struct {
	backend ledger.Client
	log     logx.Logger
}

func NewHandler(backend ledger.Client, log logx.Logger) *Handler {
	return &Handler{backend: backend, log: log.With(logx.String("comp", "ledger.rpc"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeJSON(w, response{JSONRPC: "2.0", Error: &Error{Code: CodeParse, Message: "parse error: " + err.Error()}})
		return
	}
	result, rpcErr := h.dispatch(r.Context(), req)
	resp := response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &Error{Code: CodeLedger, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeParams(raw json.RawMessage, v any) *Error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func ledgerError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeLedger, Message: err.Error(), Kind: ledger.Code(err)}
}

func (h *Handler) dispatch(ctx context.Context, req request) (any, *Error) {
	switch req.Method {
	case MethodQueue:
		var p queueParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		q, err := h.backend.Queue(ctx, p.Queue)
		return q, ledgerError(err)
	case MethodTask:
		var p taskParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		t, err := h.backend.Task(ctx, p.Task)
		return t, ledgerError(err)
	case MethodTasks:
		var p tasksParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		ts, err := h.backend.Tasks(ctx, p.Queue, p.IDs)
		return ts, ledgerError(err)
	case MethodBalance:
		var p balanceParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		b, err := h.backend.Balance(ctx, p.Account)
		return b, ledgerError(err)
	case MethodSubmit, MethodSimulate:
		var p txParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		if p.Transaction == nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "transaction required"}
		}
		if req.Method == MethodSimulate {
			rcpt, err := h.backend.Simulate(ctx, p.Transaction)
			return rcpt, ledgerError(err)
		}
		rcpt, err := h.backend.Submit(ctx, p.Transaction)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.log.Debug("submit failed", logx.String("sig", p.Transaction.ID()), logx.Err(err))
		}
		return rcpt, ledgerError(err)
	case MethodAirdrop:
		a, ok := h.backend.(Airdropper)
		if !ok {
			return nil, &Error{Code: CodeMethodNotFound, Message: "airdrop not supported"}
		}
		var p airdropParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		a.Airdrop(p.Account, p.Amount)
		return true, nil
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}
