package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusattend/internal/auth"
	"campusattend/internal/metrics"
	"campusattend/internal/streams"
	"campusattend/internal/teachers"
)

const maxAvatarBytes = 5 << 20

func tokenBody(p auth.TokenPair) gin.H {
	return gin.H{
		"success":            true,
		"access_token":       p.AccessToken,
		"refresh_token":      p.RefreshToken,
		"access_expires_at":  p.AccessExp,
		"refresh_expires_at": p.RefreshExp,
	}
}

// teacherToken issues tokens for a teacher identity vouched for by the admin key.
func (h *handler) teacherToken(c *gin.Context) {
	var req struct {
		AuthID string `json:"auth_id" binding:"required"`
		Email  string `json:"email" binding:"omitempty,email"`
		Name   string `json:"name"`
	}
	if !bind(c, &req) {
		return
	}
	pair, err := auth.Issue(auth.Identity{Subject: req.AuthID, Email: req.Email, Name: req.Name},
		h.JWTIssuer, h.JWTSigningKey, h.AccessTTL, h.RefreshTTL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenBody(pair))
}

func (h *handler) refreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	claims, err := auth.Parse(req.RefreshToken, h.JWTSigningKey, h.JWTIssuer, auth.UseRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "INVALID_TOKEN", "message": err.Error()})
		return
	}
	pair, err := auth.Issue(claims.Identity(), h.JWTIssuer, h.JWTSigningKey, h.AccessTTL, h.RefreshTTL)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenBody(pair))
}

// caller returns the authenticated teacher. TeacherAuth guarantees claims.
func caller(c *gin.Context) auth.Claims {
	claims, _ := auth.ClaimsFrom(c)
	return claims
}

func (h *handler) syncTeacher(c *gin.Context) {
	claims := caller(c)
	p, created, err := h.Teachers.Sync(c.Request.Context(), teachers.Identity{
		AuthID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
	})
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"success": true, "created": created, "profile": p})
}

func (h *handler) getTeacher(c *gin.Context) {
	p, err := h.Teachers.Get(c.Request.Context(), caller(c).Subject)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "profile": p})
}

func (h *handler) listLibrary(c *gin.Context) {
	list, err := h.Teachers.Subjects(c.Request.Context(), caller(c).Subject)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "subjects": list})
}

func (h *handler) addLibrarySubject(c *gin.Context) {
	var req struct {
		Stream   string `json:"stream" binding:"required"`
		Semester string `json:"semester" binding:"required"`
		Subject  string `json:"subject" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	sem, err := streams.ParseSemester(req.Semester)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_SEMESTER", "message": err.Error()})
		return
	}
	entry, err := h.Teachers.AddSubject(c.Request.Context(), caller(c).Subject, req.Stream, sem, req.Subject)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "subject": entry})
}

func (h *handler) removeLibrarySubject(c *gin.Context) {
	if err := h.Teachers.RemoveSubject(c.Request.Context(), caller(c).Subject, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) getQueue(c *gin.Context) {
	q, err := h.Teachers.Queue(c.Request.Context(), caller(c).Subject)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "queue": q})
}

func (h *handler) saveQueue(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_BODY", "message": err.Error()})
		return
	}
	if err := h.Teachers.SaveQueue(c.Request.Context(), caller(c).Subject, json.RawMessage(raw)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *handler) listHistory(c *gin.Context) {
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "VALIDATION_ERROR", "field": "limit", "message": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	list, err := h.Teachers.History(c.Request.Context(), caller(c).Subject, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "history": list})
}

func (h *handler) appendHistory(c *gin.Context) {
	var req struct {
		Stream        string `json:"stream" binding:"required"`
		Semester      string `json:"semester" binding:"required"`
		Subject       string `json:"subject" binding:"required"`
		Date          string `json:"date" binding:"required,isodate"`
		SessionSlot   int    `json:"session_slot"`
		PresentCount  int    `json:"present_count" binding:"min=0"`
		TotalStudents int    `json:"total_students" binding:"min=0"`
	}
	if !bind(c, &req) {
		return
	}
	sem, err := streams.ParseSemester(req.Semester)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_SEMESTER", "message": err.Error()})
		return
	}
	slot := req.SessionSlot
	if slot <= 0 {
		slot = 1
	}
	entry, err := h.Teachers.AppendHistory(c.Request.Context(), caller(c).Subject, teachers.HistoryEntry{
		Stream:        req.Stream,
		Semester:      sem,
		Subject:       req.Subject,
		Date:          req.Date,
		SessionSlot:   slot,
		PresentCount:  req.PresentCount,
		TotalStudents: req.TotalStudents,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "entry": entry})
}

func (h *handler) uploadAvatar(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAvatarBytes+1<<10)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "VALIDATION_ERROR", "field": "file", "message": "multipart field file is required"})
		return
	}
	if fh.Size > maxAvatarBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "FILE_TOO_LARGE", "message": "avatar must be at most 5MB"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		fail(c, err)
		return
	}
	p, err := h.Teachers.UploadAvatar(c.Request.Context(), caller(c).Subject, data, fh.Filename)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "profile": p})
}

func (h *handler) promote(c *gin.Context) {
	report, err := h.Attendance.Promote(c.Request.Context(), c.Param("stream"))
	if err != nil {
		label := "unknown"
		if d, lerr := h.Registry.Lookup(c.Param("stream")); lerr == nil {
			label = d.Name
		}
		metrics.Promotions.WithLabelValues(label, "failed").Inc()
		fail(c, err)
		return
	}
	metrics.Promotions.WithLabelValues(report.Stream, "ok").Inc()
	log.Printf("[api] promotion %s of %s complete", report.BatchID, report.Stream)
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (h *handler) promotionPreview(c *gin.Context) {
	prev, err := h.Attendance.PreviewPromotion(c.Request.Context(), c.Param("stream"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preview": prev})
}
