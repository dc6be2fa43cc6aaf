// internal/web/agent_handlers.go - Agent-facing ingest and polling endpoints
package web

import (
    "errors"
    "fmt"
    "net/http"
    "time"

    "github.com/gin-gonic/gin"

    "fleetd/internal/database"
    "fleetd/internal/ingest"
)

// ingestHealth is the unauthenticated liveness probe agents hit before
// their first post. Reports the timestamp of the newest stored record.
func (s *Server) ingestHealth(c *gin.Context) {
    msgs, err := s.store.GetMessages(c.Request.Context(), database.MessageFilters{Limit: 1})
    if err != nil {
        respondError(c, err)
        return
    }

    var lastPost *string
    if len(msgs) > 0 {
        ts := msgs[0].CapturedAt.UTC().Format(time.RFC3339)
        lastPost = &ts
    }
    c.JSON(http.StatusOK, gin.H{"lastPostUtc": lastPost})
}

// postBatch accepts one NDJSON telemetry batch for the authenticated agent.
func (s *Server) postBatch(c *gin.Context) {
    agentID := c.GetString("agent_id")

    maxBytes := int64(s.config.Server.MaxBatchMB) << 20
    body := http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

    summary, err := s.gateway.ProcessBatch(c.Request.Context(), agentID, body)
    if err != nil {
        if errors.Is(err, ingest.ErrEmptyBatch) {
            c.JSON(http.StatusBadRequest, gin.H{"error": "Payload contained no records"})
            return
        }
        respondError(c, err)
        return
    }

    s.broadcast(WSMessage{Type: "host_state", Data: gin.H{
        "agent_id": agentID,
        "accepted": summary.Accepted,
        "skipped":  summary.Skipped,
    }})
    c.JSON(http.StatusOK, summary)
}

// pollCommands hands the agent its due commands, marking them dispatched.
// The list is returned under both keys older agents expect.
func (s *Server) pollCommands(c *gin.Context) {
    agentID := c.GetString("agent_id")

    tasks, err := s.dispatcher.PollCommands(c.Request.Context(), agentID)
    if err != nil {
        respondError(c, err)
        return
    }

    c.JSON(http.StatusOK, gin.H{
        "tasks":    tasks,
        "commands": tasks,
    })
}

// resultRequest is the agent's terminal report for a command or transfer.
// The outcome text arrives as "output"; older agents send "response".
type resultRequest struct {
    Status   string `json:"status"`
    Output   string `json:"output"`
    Response string `json:"response"`
}

func (r resultRequest) text() string {
    if r.Output != "" {
        return r.Output
    }
    return r.Response
}

func (s *Server) postCommandResult(c *gin.Context) {
    agentID := c.GetString("agent_id")
    id := c.Param("id")

    var req resultRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid result payload"})
        return
    }

    if err := s.dispatcher.SubmitCommandResult(c.Request.Context(), id, agentID, req.Status, req.text()); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) pollFiles(c *gin.Context) {
    agentID := c.GetString("agent_id")

    files, err := s.dispatcher.PollTransfers(c.Request.Context(), agentID)
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, files)
}

func (s *Server) downloadFile(c *gin.Context) {
    agentID := c.GetString("agent_id")
    id := c.Param("id")

    xfer, payload, err := s.dispatcher.OpenTransfer(c.Request.Context(), id, agentID)
    if err != nil {
        respondError(c, err)
        return
    }
    defer payload.Close()

    mimeType := xfer.MimeType
    if mimeType == "" {
        mimeType = "application/octet-stream"
    }
    extraHeaders := map[string]string{
        "Content-Disposition": fmt.Sprintf("attachment; filename=%q", xfer.Filename),
    }
    c.DataFromReader(http.StatusOK, xfer.SizeBytes, mimeType, payload, extraHeaders)
}

func (s *Server) postFileResult(c *gin.Context) {
    agentID := c.GetString("agent_id")
    id := c.Param("id")

    var req resultRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid result payload"})
        return
    }

    if err := s.dispatcher.SubmitTransferResult(c.Request.Context(), id, agentID, req.Status, req.text()); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"success": true})
}
