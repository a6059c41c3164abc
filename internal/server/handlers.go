package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taxdesk/backend/internal/gateway"
	"taxdesk/backend/internal/matching"
	"taxdesk/backend/internal/session"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

type contactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Notes string `json:"notes"`
}

type matchRequest struct {
	Query string `json:"query"`
	// Candidates overrides the catalog when present, even if empty.
	Candidates *[]matching.Candidate `json:"candidates"`
}

func (a *App) ask(c *gin.Context) {
	if a.cfg.AllowsAnyOrigin() {
		c.Header("Access-Control-Allow-Origin", "*")
	}

	body, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, string(gateway.KindInvalidRequest), "Failed to read request body")
		return
	}
	req, err := gateway.DecodeAskRequest(body)
	if err != nil {
		a.writeAskError(c, err)
		return
	}

	reply, err := a.gateway.Ask(c.Request.Context(), req)
	if err != nil {
		a.writeAskError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": reply})
}

func (a *App) writeAskError(c *gin.Context, err error) {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		if gwErr.Status >= http.StatusInternalServerError {
			a.logger.Sugar().Warnw("ask failed", "kind", gwErr.Kind, "status", gwErr.Status, "error", gwErr.Error())
		}
		writeGatewayError(c, gwErr)
		return
	}
	a.logger.Sugar().Errorw("ask failed", "error", err)
	writeError(c, http.StatusInternalServerError, "InternalError", "Failed to answer")
}

func (a *App) openSession(c *gin.Context) {
	status := http.StatusCreated
	sessionID := ""
	if raw := guestTokenFromRequest(c); raw != "" {
		if resumed, err := a.parseGuestToken(raw); err == nil {
			sessionID = resumed
			status = http.StatusOK
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	snapshot, err := a.sessions.Open(c.Request.Context(), sessionID)
	if err != nil {
		a.logger.Sugar().Errorw("open session failed", "session_id", sessionID, "error", err)
		writeError(c, http.StatusInternalServerError, "SessionError", "Failed to open session")
		return
	}
	token, err := a.issueGuestToken(sessionID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SessionError", "Failed to issue guest token")
		return
	}

	c.Header(guestTokenHeader, token)
	c.JSON(status, gin.H{"token": token, "session": snapshot})
}

func (a *App) getSession(c *gin.Context) {
	sessionID, ok := sessionIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized", "Guest token required")
		return
	}
	snapshot, err := a.sessions.Snapshot(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SessionError", "Failed to load session")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (a *App) sendMessage(c *gin.Context) {
	sessionID, ok := sessionIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized", "Guest token required")
		return
	}
	var payload sendMessageRequest
	if !mustJSON(c, &payload) {
		return
	}

	result, err := a.sessions.Send(c.Request.Context(), sessionID, payload.Text)
	if errors.Is(err, session.ErrEmptyMessage) {
		writeError(c, http.StatusBadRequest, string(gateway.KindInvalidRequest), "text is required")
		return
	}
	if err != nil {
		a.logger.Sugar().Errorw("send message failed", "session_id", sessionID, "error", err)
		writeError(c, http.StatusInternalServerError, "SessionError", "Failed to send message")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *App) submitContact(c *gin.Context) {
	sessionID, ok := sessionIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized", "Guest token required")
		return
	}
	var payload contactRequest
	if !mustJSON(c, &payload) {
		return
	}

	snapshot, err := a.sessions.SubmitContact(c.Request.Context(), sessionID, session.Contact{
		Name:  payload.Name,
		Email: payload.Email,
		Phone: payload.Phone,
		Notes: payload.Notes,
	})
	if errors.Is(err, session.ErrInvalidContact) {
		writeError(c, http.StatusBadRequest, string(gateway.KindInvalidRequest), err.Error())
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SessionError", "Failed to save contact")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (a *App) resetSession(c *gin.Context) {
	sessionID, ok := sessionIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized", "Guest token required")
		return
	}
	if err := a.sessions.Reset(c.Request.Context(), sessionID); err != nil {
		a.logger.Sugar().Errorw("reset session failed", "session_id", sessionID, "error", err)
		writeError(c, http.StatusInternalServerError, "SessionError", "Failed to reset session")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *App) matchExpert(c *gin.Context) {
	var payload matchRequest
	if !mustJSON(c, &payload) {
		return
	}
	payload.Query = strings.TrimSpace(payload.Query)
	if payload.Query == "" {
		writeError(c, http.StatusBadRequest, string(gateway.KindInvalidRequest), "query is required")
		return
	}

	var candidates []matching.Candidate
	if payload.Candidates != nil {
		candidates = *payload.Candidates
	} else {
		candidates = a.catalog.Snapshot()
	}

	outcome := a.matcher.Match(c.Request.Context(), payload.Query, candidates)
	response := gin.H{"kind": outcome.Kind()}
	if result, ok := matching.Best(outcome); ok {
		response["match"] = result
		for _, candidate := range candidates {
			if candidate.ID == result.CandidateID {
				response["expert"] = candidate
				break
			}
		}
	}
	c.JSON(http.StatusOK, response)
}

func (a *App) listExperts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"experts": a.catalog.Snapshot()})
}
