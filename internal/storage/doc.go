// Package storage persists what the worker wants to outlive a restart.
//
// It currently supports:
//   - Audit appends (one record per task outcome)
//   - Alert dedup state
//
// Nothing here is authoritative; the ledger is. A lost audit file costs
// history, never tasks.
package storage
