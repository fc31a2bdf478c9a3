package remote

import (
	"context"
	"encoding/json"
	"net/http"

	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

// Builder returns the instructions that fulfill req and the derived
// authorities they may reference.
type Builder func(ctx context.Context, req Request) ([]txn.Instruction, []txn.DerivedAuthority, error)

// Handler is the compute-service side of the protocol: it builds, compiles
// and signs the transaction for each request. The development ledger and the
// tests serve it over HTTP.
type Handler struct {
	signer   txn.KeypairSigner
	compiler txn.Compiler
	build    Builder
	log      logx.Logger
}

func NewHandler(signer txn.KeypairSigner, compiler txn.Compiler, build Builder, log logx.Logger) *Handler {
	return &Handler{signer: signer, compiler: compiler, build: build, log: log.With(logx.String("comp", "remote.handler"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResponseBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Respond(r.Context(), req)
	if err != nil {
		h.log.Warn("remote.build_failed", logx.String("task", req.Task.String()), logx.Err(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Respond builds and signs the response for req without HTTP.
func (h *Handler) Respond(ctx context.Context, req Request) (*Response, error) {
	ixs, auths, err := h.build(ctx, req)
	if err != nil {
		return nil, err
	}
	compiled, err := h.compiler.Compile(ixs, auths)
	if err != nil {
		return nil, err
	}
	rtx := RemoteTaskTransaction{Task: req.Task, QueuedAt: req.TaskQueuedAt, Transaction: *compiled}
	return Sign(h.signer, rtx, compiled.Remaining)
}
