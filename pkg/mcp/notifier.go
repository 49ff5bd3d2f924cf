package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/mediator"
)

// Notifier pushes run notifications to whoever watches an event.
type Notifier interface {
	Notify(ctx context.Context, eventID string, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching eventID.
// Best-effort: returns nil if nobody watches it.
func (n *MCPNotifier) Notify(_ context.Context, eventID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(eventID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// watch forwards the lifecycle events of eventID's run to its watcher until
// the run ends, the watcher disconnects or the watch times out.
func (s *StepflowServer) watch(ctx context.Context, eventID string) {
	defer s.sessions.Forget(eventID)
	ctx, cancel := context.WithTimeout(ctx, s.watchTimeout)
	defer cancel()
	log := s.logger.With(slog.String("event_id", eventID))

	runID, err := s.awaitRun(ctx, eventID)
	if err != nil {
		log.Debug("watch: no run", slog.String("error", err.Error()))
		return
	}
	ch, unsubscribe, err := s.debug.Subscribe(ctx, runID)
	if err != nil {
		log.Warn("watch: subscribe failed", slog.String("error", err.Error()))
		return
	}
	defer unsubscribe()

	// The run may have ended before the subscription existed.
	if s.notifyIfEnded(ctx, eventID, runID) {
		return
	}

	ticker := time.NewTicker(s.statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.notifyIfEnded(ctx, eventID, runID) {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := map[string]any{"event_id": eventID, "run_id": runID, "event": msg.Data}
			if err := s.notifier.Notify(ctx, eventID, payload); err != nil {
				log.Warn("watch: notify failed", slog.String("error", err.Error()))
			}
			if _, watching := s.sessions.SessionFor(eventID); !watching {
				return
			}
			if msg.Final || mediator.IsTerminal(msg.Data) {
				return
			}
		}
	}
}

// notifyIfEnded sends the stored status of eventID's run when it is
// terminal and reports whether it did.
func (s *StepflowServer) notifyIfEnded(ctx context.Context, eventID, runID string) bool {
	runs, err := s.bus.Runs(ctx, eventID)
	if err != nil || len(runs) == 0 || !runs[0].Status.Terminal() {
		return false
	}
	_ = s.notifier.Notify(ctx, eventID, map[string]any{
		"event_id": eventID,
		"run_id":   runID,
		"status":   runs[0].Status,
	})
	return true
}

// awaitRun polls until eventID has started a run.
func (s *StepflowServer) awaitRun(ctx context.Context, eventID string) (string, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		runs, err := s.bus.Runs(ctx, eventID)
		if err != nil {
			return "", err
		}
		if len(runs) > 0 {
			return runs[0].ID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
