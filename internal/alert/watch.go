package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crankd/internal/crank"
	"crankd/internal/eventbus"
	"crankd/internal/task/engine"
	logx "crankd/pkg/logx"
)

// Watch turns crank and engine events into alerts until ctx ends.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256, eventbus.TypeCrankTask, eventbus.TypeCrankBatch, eventbus.TypeCrankBalance, eventbus.TypeEngineFailed)
	defer unsub()

	failing := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			a, alert := s.translate(ev, &failing)
			if !alert || !s.Enabled() {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && ctx.Err() == nil {
				s.log.Debug("alert not queued", logx.String("kind", string(a.Kind)), logx.Err(err))
			}
		}
	}
}

// translate decides whether ev deserves an alert. failing counts failed
// batches in a row.
func (s *Service) translate(ev eventbus.Event, failing *int) (Alert, bool) {
	switch d := ev.Data.(type) {
	case crank.TaskEvent:
		return taskAlert(d)
	case crank.BatchEvent:
		if d.Err == "" {
			*failing = 0
			return Alert{}, false
		}
		*failing++
		if *failing != s.config().BatchFailures {
			return Alert{}, false
		}
		return Alert{
			Kind:     KindBatchFailing,
			Priority: 7,
			Key:      "batch_failing",
			Text:     fmt.Sprintf("%d batches in a row failed\nlast: %s", *failing, d.Err),
		}, true
	case crank.BalanceEvent:
		return Alert{
			Kind:     KindLowBalance,
			Priority: 8,
			Key:      "balance|" + d.Payer,
			Text:     fmt.Sprintf("fee payer %s is low: %d < %d\ntop it up or batches will start failing", d.Payer, d.Balance, d.Min),
		}, true
	case engine.TaskEvent:
		host, ok := strings.CutPrefix(d.Name, "remote.fetch:")
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Kind:     KindRemoteDown,
			Priority: 5,
			Key:      "remote_down|" + host,
			Text:     fmt.Sprintf("compute service %s unreachable after %d attempts\n%s", host, d.Attempts, d.Error),
		}, true
	}
	return Alert{}, false
}

func taskAlert(d crank.TaskEvent) (Alert, bool) {
	switch d.Reason {
	case crank.ReasonStale:
		return Alert{
			Kind:     KindStaleTask,
			Priority: 7,
			Key:      "stale|" + d.Task,
			Text: fmt.Sprintf("task %s (id %d) is stale: due for %s\nqueue %s; dequeue it to reclaim the slot",
				d.Task, d.ID, d.Age.Truncate(time.Second), d.Queue),
		}, true
	case crank.ReasonSignatureInvalid:
		return Alert{
			Kind:     KindSignatureInvalid,
			Priority: 9,
			Key:      "signature|" + d.Task,
			Text:     fmt.Sprintf("compute service for task %s (id %d) returned a transaction its registered key did not sign", d.Task, d.ID),
		}, true
	case crank.ReasonPayerSigner:
		return Alert{
			Kind:     KindPayerSigner,
			Priority: 9,
			Key:      "payer|" + d.Task,
			Text:     fmt.Sprintf("compute service for task %s (id %d) asked the fee payer to sign its transaction", d.Task, d.ID),
		}, true
	case crank.ReasonBindingMismatch:
		return Alert{
			Kind:     KindBindingMismatch,
			Priority: 7,
			Key:      "binding|" + d.Task,
			Text:     fmt.Sprintf("compute service for task %s (id %d) returned a transaction bound to another scheduling", d.Task, d.ID),
		}, true
	}
	return Alert{}, false
}
