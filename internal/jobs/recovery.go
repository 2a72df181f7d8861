package jobs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lapsproject/laps/internal/broker"
)

// crashedResult is the terminal result written on behalf of a dead
// container. Matches the failure shape the shim produces.
var crashedResult = Result{
	Failed: "module crashed while processing the job",
	Kind:   "module_crashed",
}

// Complete writes a terminal result for token and announces it.
// Reports whether the write took; a result already present wins and
// stays untouched.
func (d *Dispatcher) Complete(ctx context.Context, token string, res Result) (bool, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return false, err
	}
	wrote, err := d.broker.SetNX(ctx, broker.JobResultKey(token), raw, d.ttl)
	if err != nil || !wrote {
		return false, err
	}
	if err := d.broker.Publish(ctx, broker.JobEventsChannel(token), []byte("done")); err != nil {
		d.log.WithError(err).WithField("token", token).Warn("failed to announce result")
	}
	if d.firstObservation(token) {
		d.metrics.RecordCompleted(res.Outcome(), -1)
	}
	return true, nil
}

// FailAssigned resolves every job assigned to container with a crashed
// result. The supervisor calls this when a container dies or is torn
// down; jobs still queued are untouched and a result the shim managed
// to write just before dying wins the SetNX race.
func (d *Dispatcher) FailAssigned(ctx context.Context, container string) (int, error) {
	keys, err := d.broker.ScanKeys(ctx, broker.JobKeyPattern())
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, key := range keys {
		// The pattern also matches result keys.
		if strings.HasSuffix(key, ":result") {
			continue
		}
		assigned, err := d.broker.HGet(ctx, key, "assigned_to")
		if err != nil || assigned != container {
			continue
		}
		token := strings.TrimPrefix(key, broker.JobKey(""))

		wrote, err := d.Complete(ctx, token, crashedResult)
		if err != nil {
			d.log.WithError(err).WithField("token", token).Warn("failed to write crash result")
			continue
		}
		if !wrote {
			continue
		}
		d.log.WithField("token", token).Info("job resolved as crashed")
		failed++
	}
	return failed, nil
}
