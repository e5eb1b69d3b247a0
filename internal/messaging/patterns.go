package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/hivemind/internal/state"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// EscalationBlockerPrefix prefixes the blocker an escalation places on its task.
const EscalationBlockerPrefix = "escalation:"

// Coordinator returns the coordinator agent id of a collective, or the
// default "pm" when none is set.
func (c *Channel) Coordinator(ctx context.Context, collectiveID string) (string, error) {
	col, err := c.store.GetCollective(ctx, collectiveID)
	if err != nil {
		return "", fmt.Errorf("load collective: %w", err)
	}
	if col.CoordinatorID == "" {
		return models.SenderPM, nil
	}
	return col.CoordinatorID, nil
}

// AskCoordinator sends an info request from an agent to the coordinator.
func (c *Channel) AskCoordinator(ctx context.Context, collectiveID, from, question, taskID string) (string, error) {
	to, err := c.Coordinator(ctx, collectiveID)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, collectiveID, from, to, question, SendOptions{
		Type:     models.MessageInfoRequest,
		Priority: models.PriorityHigh,
		TaskID:   taskID,
	})
}

// Directive sends an instruction from the coordinator to an agent.
func (c *Channel) Directive(ctx context.Context, collectiveID, to, content string, opts SendOptions) (string, error) {
	from, err := c.Coordinator(ctx, collectiveID)
	if err != nil {
		return "", err
	}
	opts.Type = models.MessageDirective
	if opts.Priority == "" {
		opts.Priority = models.PriorityHigh
	}
	return c.Send(ctx, collectiveID, from, to, content, opts)
}

// BroadcastUpdate broadcasts a NORMAL status update to the roster.
func (c *Channel) BroadcastUpdate(ctx context.Context, collectiveID, from, content string, metadata map[string]any) ([]string, error) {
	return c.Broadcast(ctx, collectiveID, from, content, BroadcastOptions{
		Type:     models.MessageBroadcast,
		Priority: models.PriorityNormal,
		Metadata: metadata,
	})
}

// ReportProgress sends a LOW priority progress report to the coordinator.
func (c *Channel) ReportProgress(ctx context.Context, collectiveID, from, taskID, content string) (string, error) {
	to, err := c.Coordinator(ctx, collectiveID)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, collectiveID, from, to, content, SendOptions{
		Type:     models.MessageProgressReport,
		Priority: models.PriorityLow,
		TaskID:   taskID,
	})
}

// RequestPeerHelp asks another agent for help and marks the requester as
// awaiting a response.
func (c *Channel) RequestPeerHelp(ctx context.Context, collectiveID, from, peer, content, taskID string) (string, error) {
	id, err := c.Send(ctx, collectiveID, from, peer, content, SendOptions{
		Type:     models.MessageHelpRequest,
		Priority: models.PriorityNormal,
		TaskID:   taskID,
	})
	if err != nil {
		return "", err
	}
	if err := c.setAwaiting(ctx, collectiveID, from, true); err != nil {
		return id, err
	}
	return id, nil
}

// Escalate sends a CRITICAL escalation. An empty to addresses the
// coordinator. The sender is marked awaiting a response and, when taskID is
// set, the task is blocked until the escalation is answered.
func (c *Channel) Escalate(ctx context.Context, collectiveID, from, to, content, taskID string, metadata map[string]any) (string, error) {
	if to == "" {
		var err error
		if to, err = c.Coordinator(ctx, collectiveID); err != nil {
			return "", err
		}
	}
	id, err := c.Send(ctx, collectiveID, from, to, content, SendOptions{
		Type:     models.MessageEscalation,
		Priority: models.PriorityCritical,
		Metadata: metadata,
		TaskID:   taskID,
	})
	if err != nil {
		return "", err
	}

	if err := c.setAwaiting(ctx, collectiveID, from, true); err != nil {
		return id, err
	}
	if taskID != "" && c.tasks != nil {
		if _, err := c.tasks.AddBlocker(ctx, taskID, EscalationBlockerPrefix+id); err != nil {
			return id, fmt.Errorf("block task %s: %w", taskID, err)
		}
	}
	c.logger.Warn("escalation raised", "id", id, "from", from, "to", to, "task", taskID)
	return id, nil
}

// Respond replies to a help request or escalation. The original sender stops
// awaiting a response and any escalation blocker on the task is removed.
func (c *Channel) Respond(ctx context.Context, requestID, from, content string) (string, error) {
	req, err := c.get(ctx, requestID)
	if err != nil {
		return "", err
	}
	pr := models.PriorityHigh
	if req.Type == models.MessageEscalation {
		pr = models.PriorityCritical
	}
	id, err := c.Send(ctx, req.CollectiveID, from, req.FromID, content, SendOptions{
		Type:     models.MessageDirective,
		Priority: pr,
		ReplyTo:  req.ID,
	})
	if err != nil {
		return "", err
	}

	if err := c.MarkRead(ctx, req.ID); err != nil && !errors.Is(err, ErrInvalidStatus) {
		return id, err
	}
	if err := c.setAwaiting(ctx, req.CollectiveID, req.FromID, false); err != nil {
		return id, err
	}
	if req.Type == models.MessageEscalation && req.TaskID != "" && c.tasks != nil {
		if _, err := c.tasks.RemoveBlocker(ctx, req.TaskID, EscalationBlockerPrefix+req.ID); err != nil {
			return id, fmt.Errorf("unblock task %s: %w", req.TaskID, err)
		}
	}
	return id, nil
}

// setAwaiting flips the awaiting flag of a roster agent. Senders outside the
// roster (system, user) have no flag to set.
func (c *Channel) setAwaiting(ctx context.Context, collectiveID, agentID string, awaiting bool) error {
	switch agentID {
	case models.SenderSystem, models.SenderUser:
		return nil
	}
	err := c.store.SetAgentAwaiting(ctx, collectiveID, agentID, awaiting, c.clock.Now())
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark %s awaiting=%t: %w", agentID, awaiting, err)
	}
	return nil
}
