package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hive/internal/bus"
	"hive/internal/capability"
	"hive/internal/store"
)

// FailDirective at the start of a payload makes the probe report a failure
// instead of completing. It exists to exercise the failure path end to end.
const FailDirective = "fail:"

// ProbeWork is the probe agent's WorkFunc. The probe is the built-in
// reference worker: it produces a short markdown report describing the task
// it was handed.
func ProbeWork(ctx context.Context, taskID, payload string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(payload, FailDirective); ok {
		reason := strings.TrimSpace(rest)
		if reason == "" {
			reason = "probe instructed to fail"
		}
		return nil, errors.New(reason)
	}
	report := fmt.Sprintf(`# Probe Report: %s

## Task

%s

## Findings

Probe completed the assignment and recorded its findings at %s.

## Status

Complete.
`, taskID, payload, time.Now().UTC().Format(time.RFC3339))
	return []byte(report), nil
}

// NewProbe builds the built-in probe worker with its default capabilities.
func NewProbe(b *bus.Bus, s store.Store, routerID string) *Worker {
	return NewWorker("probe", capability.NewSet("probe", "research"), b, s, routerID, ProbeWork)
}
