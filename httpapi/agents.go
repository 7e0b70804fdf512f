package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vinayprograms/taskmesh/heartbeat"
)

// ToolListing is one agent's advertised tools.
type ToolListing struct {
	AgentID string           `json:"agentId"`
	Service string           `json:"service"`
	Tools   []heartbeat.Tool `json:"tools"`
}

// ListTools lists the tools of every live agent.
// GET /tools
func (h *Handler) ListTools(c echo.Context) error {
	active := h.agents.ListActive(0)

	listing := make([]ToolListing, len(active))
	for i, a := range active {
		tools := a.Tools
		if tools == nil {
			tools = []heartbeat.Tool{}
		}
		listing[i] = ToolListing{
			AgentID: a.AgentID,
			Service: a.Service,
			Tools:   tools,
		}
	}

	return c.JSON(http.StatusOK, listing)
}

// ListAgents lists every live agent.
// GET /agents
func (h *Handler) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, h.agents.ListActive(0))
}

// RefreshAgents asks every agent to announce itself now.
// POST /agents/refresh
func (h *Handler) RefreshAgents(c echo.Context) error {
	if err := h.agents.RequestRefresh(); err != nil {
		h.log.Warn("refresh_failed", map[string]interface{}{"error": err.Error()})
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "discovery request failed"})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "requested"})
}
