// internal/web/operator_handlers.go - Operator API
package web

import (
    "net/http"
    "strconv"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/sirupsen/logrus"

    "fleetd/internal/auth"
    "fleetd/internal/database"
)

func (s *Server) getHosts(c *gin.Context) {
    filters := database.HostFilters{
        Inactive: parseBoolQuery(c, "inactive"),
        Search:   c.Query("search"),
    }

    hosts, err := s.store.GetHosts(c.Request.Context(), filters)
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, hosts)
}

func (s *Server) getHost(c *gin.Context) {
    host, err := s.store.GetHost(c.Request.Context(), c.Param("id"))
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, host)
}

func (s *Server) getHostState(c *gin.Context) {
    state, err := s.store.GetLatestState(c.Request.Context(), c.Param("id"))
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, state)
}

func (s *Server) getHostScreenshot(c *gin.Context) {
    state, err := s.store.GetLatestState(c.Request.Context(), c.Param("id"))
    if err != nil {
        respondError(c, err)
        return
    }
    if state.ScreenshotID == "" {
        c.JSON(http.StatusNotFound, gin.H{"error": "No screenshot available"})
        return
    }

    shot, err := s.store.GetScreenshot(c.Request.Context(), state.ScreenshotID)
    if err != nil {
        respondError(c, err)
        return
    }
    c.Data(http.StatusOK, shot.MimeType, shot.Data)
}

type hostUpdateRequest struct {
    DisplayName *string           `json:"display_name"`
    Location    *string           `json:"location"`
    Latitude    *float64          `json:"latitude"`
    Longitude   *float64          `json:"longitude"`
    Contact     *string           `json:"contact"`
    Tags        map[string]string `json:"tags"`
    Notes       *string           `json:"notes"`
    Inactive    *bool             `json:"inactive"`
}

func (s *Server) updateHost(c *gin.Context) {
    var req hostUpdateRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid host payload"})
        return
    }

    host, err := s.store.GetHost(c.Request.Context(), c.Param("id"))
    if err != nil {
        respondError(c, err)
        return
    }

    if req.DisplayName != nil {
        host.DisplayName = *req.DisplayName
    }
    if req.Location != nil {
        host.Location = *req.Location
    }
    if req.Latitude != nil {
        host.Latitude = req.Latitude
    }
    if req.Longitude != nil {
        host.Longitude = req.Longitude
    }
    if req.Contact != nil {
        host.Contact = *req.Contact
    }
    if req.Tags != nil {
        host.Tags = req.Tags
    }
    if req.Notes != nil {
        host.Notes = *req.Notes
    }
    if req.Inactive != nil {
        host.Inactive = *req.Inactive
    }

    if err := s.store.UpdateHost(c.Request.Context(), host); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, host)
}

func (s *Server) getMessages(c *gin.Context) {
    filters := database.MessageFilters{
        AgentID:  c.Query("agent"),
        Category: c.Query("category"),
        Subtype:  c.Query("subtype"),
        Level:    c.Query("level"),
        Search:   c.Query("search"),
        Since:    parseTimeQuery(c, "since"),
        Until:    parseTimeQuery(c, "until"),
        Limit:    parseIntQuery(c, "limit", 100),
        Offset:   parseIntQuery(c, "offset", 0),
    }

    msgs, err := s.store.GetMessages(c.Request.Context(), filters)
    if err != nil {
        respondError(c, err)
        return
    }

    total := len(msgs)
    if filters.AgentID != "" {
        total, err = s.store.CountMessages(c.Request.Context(), filters.AgentID)
        if err != nil {
            respondError(c, err)
            return
        }
    }
    c.JSON(http.StatusOK, gin.H{"messages": msgs, "total": total})
}

func (s *Server) getAlerts(c *gin.Context) {
    filters := database.AlertFilters{
        AgentID:  c.Query("agent"),
        Rule:     c.Query("rule"),
        Severity: c.Query("severity"),
        Open:     parseBoolQuery(c, "open"),
        Limit:    parseIntQuery(c, "limit", 200),
    }

    alerts, err := s.store.GetAlerts(c.Request.Context(), filters)
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, alerts)
}

// resolveAlert is the operator acknowledgment path, the only way to close
// event alerts short of a counterpart cleared event.
func (s *Server) resolveAlert(c *gin.Context) {
    id := c.Param("id")
    if err := s.store.ResolveAlertByID(c.Request.Context(), id, time.Now().UTC()); err != nil {
        respondError(c, err)
        return
    }

    s.broadcast(WSMessage{Type: "alert", Data: gin.H{"id": id, "resolved": true}})
    c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getCommands(c *gin.Context) {
    cmds, err := s.store.GetCommands(c.Request.Context(), database.ActionFilters{
        AgentID: c.Query("agent"),
        Status:  c.Query("status"),
        Limit:   parseIntQuery(c, "limit", 200),
    })
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, cmds)
}

func (s *Server) getCommand(c *gin.Context) {
    cmd, err := s.store.GetCommand(c.Request.Context(), c.Param("id"))
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, cmd)
}

type commandRequest struct {
    AgentID  string `json:"agent_id" binding:"required"`
    Command  string `json:"command" binding:"required"`
    IssuedBy string `json:"issued_by"`
}

func (s *Server) createCommand(c *gin.Context) {
    var req commandRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id and command are required"})
        return
    }

    cmd, err := s.dispatcher.EnqueueCommand(c.Request.Context(), req.AgentID, req.IssuedBy, req.Command)
    if err != nil {
        respondError(c, err)
        return
    }

    s.broadcast(WSMessage{Type: "command", Data: gin.H{"id": cmd.ID, "agent_id": cmd.AgentID, "status": cmd.Status}})
    c.JSON(http.StatusCreated, cmd)
}

type cancelRequest struct {
    Note string `json:"note"`
}

func (s *Server) cancelCommand(c *gin.Context) {
    var req cancelRequest
    _ = c.ShouldBindJSON(&req)

    if err := s.dispatcher.CancelCommand(c.Request.Context(), c.Param("id"), "", req.Note); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getTransfers(c *gin.Context) {
    xfers, err := s.store.GetTransfers(c.Request.Context(), database.ActionFilters{
        AgentID: c.Query("agent"),
        Status:  c.Query("status"),
        Limit:   parseIntQuery(c, "limit", 200),
    })
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, xfers)
}

func (s *Server) createTransfer(c *gin.Context) {
    agentID := c.PostForm("agent_id")
    if agentID == "" {
        c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
        return
    }

    fileHeader, err := c.FormFile("file")
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
        return
    }
    if maxBytes := int64(s.config.Uploads.MaxSizeMB) << 20; fileHeader.Size > maxBytes {
        c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds upload size limit"})
        return
    }

    src, err := fileHeader.Open()
    if err != nil {
        respondError(c, err)
        return
    }
    defer src.Close()

    xfer, err := s.dispatcher.StageTransfer(
        c.Request.Context(),
        agentID,
        c.PostForm("issued_by"),
        fileHeader.Filename,
        fileHeader.Header.Get("Content-Type"),
        src,
    )
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusCreated, xfer)
}

func (s *Server) cancelTransfer(c *gin.Context) {
    var req cancelRequest
    _ = c.ShouldBindJSON(&req)

    if err := s.dispatcher.CancelTransfer(c.Request.Context(), c.Param("id"), "", req.Note); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"success": true})
}

// apiKeyResponse never carries the digest or salt.
type apiKeyResponse struct {
    ID         string     `json:"id"`
    Name       string     `json:"name"`
    AgentIDs   []string   `json:"agent_ids,omitempty"`
    Active     bool       `json:"active"`
    ExpiresAt  *time.Time `json:"expires_at,omitempty"`
    CreatedAt  time.Time  `json:"created_at"`
    LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func toKeyResponse(key *database.ApiKey) apiKeyResponse {
    return apiKeyResponse{
        ID:         key.ID,
        Name:       key.Name,
        AgentIDs:   key.AgentIDs,
        Active:     key.Active,
        ExpiresAt:  key.ExpiresAt,
        CreatedAt:  key.CreatedAt,
        LastUsedAt: key.LastUsedAt,
    }
}

func (s *Server) getApiKeys(c *gin.Context) {
    keys, err := s.store.GetApiKeys(c.Request.Context())
    if err != nil {
        respondError(c, err)
        return
    }

    out := make([]apiKeyResponse, 0, len(keys))
    for i := range keys {
        out = append(out, toKeyResponse(&keys[i]))
    }
    c.JSON(http.StatusOK, out)
}

type apiKeyRequest struct {
    Name      string     `json:"name" binding:"required"`
    AgentIDs  []string   `json:"agent_ids"`
    ExpiresAt *time.Time `json:"expires_at"`
}

// createApiKey mints a credential and returns the raw key exactly once.
func (s *Server) createApiKey(c *gin.Context) {
    var req apiKeyRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
        return
    }

    raw, salt, err := auth.GenerateKey()
    if err != nil {
        respondError(c, err)
        return
    }

    key := &database.ApiKey{
        Name:      req.Name,
        KeyHash:   auth.HashKey(salt, raw),
        Salt:      salt,
        AgentIDs:  req.AgentIDs,
        Active:    true,
        ExpiresAt: req.ExpiresAt,
    }
    if err := s.store.CreateApiKey(c.Request.Context(), key); err != nil {
        respondError(c, err)
        return
    }

    logrus.WithFields(logrus.Fields{"key_id": key.ID, "name": key.Name}).Info("API key created")
    c.JSON(http.StatusCreated, gin.H{
        "key":     toKeyResponse(key),
        "raw_key": raw,
    })
}

type apiKeyUpdateRequest struct {
    Name      *string    `json:"name"`
    AgentIDs  []string   `json:"agent_ids"`
    Active    *bool      `json:"active"`
    ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) updateApiKey(c *gin.Context) {
    var req apiKeyUpdateRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key payload"})
        return
    }

    keys, err := s.store.GetApiKeys(c.Request.Context())
    if err != nil {
        respondError(c, err)
        return
    }
    var key *database.ApiKey
    for i := range keys {
        if keys[i].ID == c.Param("id") {
            key = &keys[i]
            break
        }
    }
    if key == nil {
        c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
        return
    }

    if req.Name != nil {
        key.Name = *req.Name
    }
    if req.AgentIDs != nil {
        key.AgentIDs = req.AgentIDs
    }
    if req.Active != nil {
        key.Active = *req.Active
    }
    if req.ExpiresAt != nil {
        key.ExpiresAt = req.ExpiresAt
    }

    if err := s.store.UpdateApiKey(c.Request.Context(), key); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, toKeyResponse(key))
}

func (s *Server) deleteApiKey(c *gin.Context) {
    if err := s.store.DeleteApiKey(c.Request.Context(), c.Param("id")); err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) getSettings(c *gin.Context) {
    c.JSON(http.StatusOK, s.settings.Current())
}

// updateSettings replaces the module settings wholesale. Readers swap to
// the new snapshot atomically; in-flight requests finish on the old one.
func (s *Server) updateSettings(c *gin.Context) {
    var req database.Settings
    if err := c.ShouldBindJSON(&req); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid settings payload"})
        return
    }
    if err := req.Validate(); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
        return
    }

    if err := s.settings.Replace(c.Request.Context(), s.store, &req); err != nil {
        respondError(c, err)
        return
    }

    logrus.Info("Module settings updated")
    c.JSON(http.StatusOK, s.settings.Current())
}

func (s *Server) getStats(c *gin.Context) {
    stats, err := s.store.GetStats(c.Request.Context())
    if err != nil {
        respondError(c, err)
        return
    }
    c.JSON(http.StatusOK, stats)
}

func parseBoolQuery(c *gin.Context, name string) *bool {
    raw := c.Query(name)
    if raw == "" {
        return nil
    }
    v, err := strconv.ParseBool(raw)
    if err != nil {
        return nil
    }
    return &v
}

func parseIntQuery(c *gin.Context, name string, fallback int) int {
    raw := c.Query(name)
    if raw == "" {
        return fallback
    }
    v, err := strconv.Atoi(raw)
    if err != nil || v < 0 {
        return fallback
    }
    return v
}

func parseTimeQuery(c *gin.Context, name string) *time.Time {
    raw := c.Query(name)
    if raw == "" {
        return nil
    }
    t, err := time.Parse(time.RFC3339, raw)
    if err != nil {
        return nil
    }
    t = t.UTC()
    return &t
}
