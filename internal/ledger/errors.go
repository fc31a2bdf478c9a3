package ledger

import "errors"

var (
	ErrQueueNotFound       = errors.New("ledger: task queue not found")
	ErrQueueExists         = errors.New("ledger: task queue already exists")
	ErrTaskNotFound        = errors.New("ledger: task not found")
	ErrSlotVacant          = errors.New("ledger: task slot is vacant")
	ErrSlotOccupied        = errors.New("ledger: task slot already occupied")
	ErrQueuedAtMismatch    = errors.New("ledger: remote transaction is bound to a different scheduling instance")
	ErrNotDue              = errors.New("ledger: task trigger not satisfied")
	ErrUnderfunded         = errors.New("ledger: crank reward below queue minimum")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrBadSignature        = errors.New("ledger: signature verification failed")
	ErrMissingSigner       = errors.New("ledger: required signer missing")
	ErrUnauthorized        = errors.New("ledger: not authorized")
	ErrInvalidFreeTasks    = errors.New("ledger: free task ids do not match the task")
	ErrMissingRemoteProof  = errors.New("ledger: remote task requires a signed remote transaction")
	ErrInvalidInstruction  = errors.New("ledger: invalid instruction")
	ErrIDOutOfRange        = errors.New("ledger: task id outside queue capacity")
	ErrTransactionTooLarge = errors.New("ledger: transaction exceeds limits")
	ErrAlreadyProcessed    = errors.New("ledger: transaction already processed")
)

// IsRace reports whether err is the benign outcome of another worker getting
// to the same task first. Such failures are expected between uncoordinated
// workers and are not alarmed on.
func IsRace(err error) bool {
	return errors.Is(err, ErrTaskNotFound) ||
		errors.Is(err, ErrSlotVacant) ||
		errors.Is(err, ErrQueuedAtMismatch)
}

// Sentinels lists every error that crosses the RPC boundary by code.
var Sentinels = map[string]error{
	"queue_not_found":       ErrQueueNotFound,
	"queue_exists":          ErrQueueExists,
	"task_not_found":        ErrTaskNotFound,
	"slot_vacant":           ErrSlotVacant,
	"slot_occupied":         ErrSlotOccupied,
	"queued_at_mismatch":    ErrQueuedAtMismatch,
	"not_due":               ErrNotDue,
	"underfunded":           ErrUnderfunded,
	"insufficient_funds":    ErrInsufficientFunds,
	"bad_signature":         ErrBadSignature,
	"missing_signer":        ErrMissingSigner,
	"unauthorized":          ErrUnauthorized,
	"invalid_free_tasks":    ErrInvalidFreeTasks,
	"missing_remote_proof":  ErrMissingRemoteProof,
	"invalid_instruction":   ErrInvalidInstruction,
	"id_out_of_range":       ErrIDOutOfRange,
	"transaction_too_large": ErrTransactionTooLarge,
	"already_processed":     ErrAlreadyProcessed,
}

// Code returns the wire code of the first sentinel err wraps, or "".
func Code(err error) string {
	for code, s := range Sentinels {
		if errors.Is(err, s) {
			return code
		}
	}
	return ""
}
