package webhook

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/models"
)

// handleCodexEvent stores the codex-event payload as-is; spec.md §6 marks
// it opaque, so only the three routing fields conventionally present
// (stage, node, event_type) are pulled out for indexing, and the full
// event is kept verbatim in Payload.
func (s *Server) handleCodexEvent(c *gin.Context) {
	var req codexEventRequest
	if !s.bindJSON(c, &req) {
		return
	}
	id := runID(c)

	e := models.CodexEvent{
		RunID:     id,
		Stage:     stringField(req.Event, "stage"),
		Node:      stringField(req.Event, "node"),
		EventType: stringField(req.Event, "event_type"),
		Payload:   req.Event,
	}
	if err := s.store.Projections.InsertCodexEvent(c.Request.Context(), e); err != nil {
		s.abortWithError(c, databaseError("inserting codex event", err))
		return
	}
	s.publish(id, "codex_event", map[string]any{"event": req.Event})
	c.Status(http.StatusNoContent)
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
