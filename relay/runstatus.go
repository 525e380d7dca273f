package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// RunStatusEvent is the payload of a workflow-run state change.
type RunStatusEvent struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// Workflow run terminal states.
const (
	RunStateComplete      = "COMPLETE"
	RunStateSystemError   = "SYSTEM_ERROR"
	RunStateExecutorError = "EXECUTOR_ERROR"
	RunStateCanceled      = "CANCELED"
)

// RunStatusHandler reacts to workflow-run state changes. Every terminal
// state raises a notification; a completed run additionally refreshes the
// data overview. Intermediate states are ignored.
func RunStatusHandler(list *List, refreshOverview func(ctx context.Context), logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg Message) error {
		var ev RunStatusEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return fmt.Errorf("decode run status event: %w", err)
		}

		switch ev.State {
		case RunStateComplete:
			list.Add(Notification{
				Title:            "Workflow run completed",
				Description:      fmt.Sprintf("Run %s completed successfully", ev.RunID),
				NotificationType: "success",
				Timestamp:        msg.TS,
			})
			logger.Info("workflow run completed", "run_id", ev.RunID)
			if refreshOverview != nil {
				refreshOverview(ctx)
			}
		case RunStateSystemError, RunStateExecutorError, RunStateCanceled:
			list.Add(Notification{
				Title:            "Workflow run failed",
				Description:      fmt.Sprintf("Run %s ended in state %s", ev.RunID, ev.State),
				NotificationType: "error",
				Timestamp:        msg.TS,
			})
			logger.Warn("workflow run failed", "run_id", ev.RunID, "state", ev.State)
		}
		return nil
	}
}
