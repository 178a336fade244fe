package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wabridge/internal/dispatch"
	"wabridge/internal/protocol"
	"wabridge/internal/session"
	"wabridge/pkg/logx"
)

type tenantBody struct {
	UserID string `json:"userId"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.started).String(),
		"sessions": len(s.sessions.Tenants()),
	})
}

func (s *Server) handleStartSession(c *gin.Context) {
	var body tenantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	st, err := s.sessions.Start(c.Request.Context(), body.UserID)
	switch {
	case errors.Is(err, session.ErrMissingTenant):
		fail(c, http.StatusBadRequest, "userId is required")
	case err != nil:
		fail(c, http.StatusInternalServerError, "session start failed: "+err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "status": string(st)})
	}
}

func (s *Server) handleSessionStatus(c *gin.Context) {
	tenant := c.Param("userId")
	st, degraded := s.sessions.Status(c.Request.Context(), tenant)
	if st == session.StatusNoSession {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "status": string(st)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"status":        string(st),
		"authoritative": !degraded,
	})
}

func (s *Server) handleGetQR(c *gin.Context) {
	code, st, err := s.sessions.PairingCode(c.Param("userId"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true, "status": string(st), "qr": code})
	case errors.Is(err, session.ErrCodeNotReady):
		c.JSON(http.StatusAccepted, gin.H{
			"success": false, "status": string(st), "message": "QR not yet available",
		})
	case errors.Is(err, session.ErrAlreadyConnected):
		fail(c, http.StatusBadRequest, "session already connected")
	default:
		fail(c, http.StatusNotFound, "no QR available for this session")
	}
}

func (s *Server) handleCloseSession(c *gin.Context) {
	var body tenantBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.sessions.Close(c.Request.Context(), body.UserID)
	switch {
	case errors.Is(err, session.ErrMissingTenant):
		fail(c, http.StatusBadRequest, "userId is required")
	case errors.Is(err, session.ErrNoSession):
		fail(c, http.StatusNotFound, "no session for this user")
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "status": string(session.StatusNoSession)})
	}
}

// handleSendMessages accepts the multipart batch form. Until the dispatch
// service accepts the job, the spooled attachment belongs to this handler
// and is removed on every rejection path.
func (s *Server) handleSendMessages(c *gin.Context) {
	tenant := c.PostForm("userId")

	recipients, err := jsonStringList(c.PostForm("numbers"))
	if err != nil {
		fail(c, http.StatusBadRequest, "numbers must be a JSON array of strings")
		return
	}
	bodies, err := jsonStringList(c.PostForm("mensajesPorNumero"))
	if err != nil {
		fail(c, http.StatusBadRequest, "mensajesPorNumero must be a JSON array of strings")
		return
	}

	// Invalid or absent delay falls back to the configured default pacing.
	var pacing time.Duration
	if ms, err := strconv.Atoi(strings.TrimSpace(c.PostForm("delay"))); err == nil && ms > 0 {
		pacing = time.Duration(ms) * time.Millisecond
	}

	media, err := s.spoolMedia(c)
	if err != nil {
		fail(c, http.StatusBadRequest, "media upload failed: "+err.Error())
		return
	}

	ack, err := s.dispatch.Dispatch(dispatch.Request{
		Tenant:      tenant,
		Recipients:  recipients,
		Bodies:      bodies,
		DefaultBody: c.PostForm("message"),
		Pacing:      pacing,
		Media:       media,
	})
	if err != nil {
		if media != nil {
			if rmErr := os.Remove(media.Path); rmErr != nil {
				s.log.Warn("removing rejected upload", logx.String("path", media.Path), logx.Err(rmErr))
			}
		}
		switch {
		case errors.Is(err, dispatch.ErrMissingTenant),
			errors.Is(err, dispatch.ErrSessionNotReady),
			errors.Is(err, dispatch.ErrNoRecipients),
			errors.Is(err, dispatch.ErrNoContent):
			fail(c, http.StatusBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "dispatch initiated",
		"jobId":   ack.JobID,
		"sent":    ack.Sent,
		"failed":  ack.Failed,
		"total":   ack.Total,
	})
}

// spoolMedia saves the optional attachment to the upload dir. A nil return
// with nil error means the request carried no file.
func (s *Server) spoolMedia(c *gin.Context) (*dispatch.Media, error) {
	fh, err := c.FormFile("media")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, err
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+filepath.Ext(fh.Filename))
	if err := c.SaveUploadedFile(fh, path); err != nil {
		return nil, err
	}
	return &dispatch.Media{
		Path:     path,
		MIMEType: fh.Header.Get("Content-Type"),
		Filename: fh.Filename,
	}, nil
}

func (s *Server) handleGroups(c *gin.Context) {
	cli, ok := s.readyClient(c)
	if !ok {
		return
	}
	groups, err := cli.Groups(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]gin.H, 0, len(groups))
	for _, g := range groups {
		out = append(out, gin.H{"id": g.ID, "name": g.Name})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "groups": out})
}

func (s *Server) handleGroupParticipants(c *gin.Context) {
	cli, ok := s.readyClient(c)
	if !ok {
		return
	}
	participants, err := cli.GroupParticipants(c.Request.Context(), c.Param("groupId"))
	switch {
	case errors.Is(err, protocol.ErrGroupNotFound):
		fail(c, http.StatusNotFound, "group not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "participants": participants})
	}
}

func (s *Server) handleLabels(c *gin.Context) {
	cli, ok := s.readyClient(c)
	if !ok {
		return
	}
	labels, err := cli.Labels(c.Request.Context())
	switch {
	case errors.Is(err, protocol.ErrUnsupported):
		fail(c, http.StatusNotImplemented, "labels are not supported on this account type")
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "labels": labels})
	}
}

// handleLabelChats mirrors handleLabels: without label support there are no
// label ids to expand, so the route answers the same 501 envelope.
func (s *Server) handleLabelChats(c *gin.Context) {
	if _, ok := s.readyClient(c); !ok {
		return
	}
	fail(c, http.StatusNotImplemented, "labels are not supported on this account type")
}

func (s *Server) handleReports(c *gin.Context) {
	if s.store == nil {
		fail(c, http.StatusNotImplemented, "report storage is disabled")
		return
	}
	limit := 20
	if n, err := strconv.Atoi(c.Query("limit")); err == nil && n > 0 {
		limit = n
	}
	reports, err := s.store.RecentReports(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reports": reports})
}

// readyClient resolves the tenant's live handle or writes the failure
// envelope (404 absent, 400 not ready).
func (s *Server) readyClient(c *gin.Context) (protocol.Client, bool) {
	cli, st := s.sessions.Handle(c.Param("userId"))
	if cli == nil {
		fail(c, http.StatusNotFound, "no session for this user")
		return nil, false
	}
	if st != session.StatusReady {
		fail(c, http.StatusBadRequest, "session is not ready (status: "+string(st)+")")
		return nil, false
	}
	return cli, true
}

func jsonStringList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
