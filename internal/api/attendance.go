package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/teachers"
)

func (h *handler) markAttendance(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	var req struct {
		Date            string   `json:"date" binding:"required,isodate"`
		SessionSlot     int      `json:"session_slot" binding:"min=0"`
		SessionTime     string   `json:"session_time"`
		StudentsPresent []string `json:"students_present"`
		ForceOverwrite  bool     `json:"force_overwrite"`
	}
	if !bind(c, &req) {
		return
	}
	claims, hasTeacher := auth.ClaimsFrom(c)
	takenBy := ""
	if hasTeacher {
		takenBy = claims.Email
		if takenBy == "" {
			takenBy = claims.Subject
		}
	}
	res, err := h.Attendance.MarkAttendance(c.Request.Context(), attendance.MarkRequest{
		Stream:          stream,
		Semester:        sem,
		Subject:         c.Param("subject"),
		Date:            req.Date,
		SessionSlot:     req.SessionSlot,
		SessionTime:     req.SessionTime,
		StudentsPresent: req.StudentsPresent,
		ForceOverwrite:  req.ForceOverwrite,
		TakenBy:         takenBy,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if hasTeacher && h.Teachers != nil {
		_, herr := h.Teachers.AppendHistory(c.Request.Context(), claims.Subject, teachers.HistoryEntry{
			Stream:        res.Session.Stream,
			Semester:      res.Session.Semester,
			Subject:       res.Session.Subject,
			Date:          res.Session.Date,
			SessionSlot:   res.Session.SessionSlot,
			PresentCount:  res.Session.PresentCount,
			TotalStudents: res.Session.TotalStudents,
		})
		if herr != nil {
			log.Printf("[api] history for %s not recorded: %v", claims.Subject, herr)
		}
	}
	status := http.StatusCreated
	if res.Overwritten {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"success": true, "session": res.Session, "overwritten": res.Overwritten})
}

func (h *handler) listSessions(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	list, err := h.Attendance.ListSessions(c.Request.Context(), stream, sem, c.Param("subject"), c.Query("from"), c.Query("to"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "sessions": nonNil(list)})
}

func (h *handler) bulkUpdateSessions(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	var req struct {
		Updates []struct {
			Date            string   `json:"date"`
			SessionSlot     int      `json:"session_slot"`
			StudentsPresent []string `json:"students_present"`
		} `json:"updates" binding:"required,min=1"`
	}
	if !bind(c, &req) {
		return
	}
	updates := make([]attendance.SessionUpdate, len(req.Updates))
	for i, u := range req.Updates {
		updates[i] = attendance.SessionUpdate{Date: u.Date, SessionSlot: u.SessionSlot, StudentsPresent: u.StudentsPresent}
	}
	results, err := h.Attendance.BulkUpdateSessions(c.Request.Context(), stream, sem, c.Param("subject"), updates)
	if err != nil {
		fail(c, err)
		return
	}
	updated := 0
	for _, r := range results {
		if r.Success {
			updated++
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": updated, "failed": len(results) - updated, "results": results})
}

func (h *handler) register(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	reg, err := h.Attendance.Register(c.Request.Context(), stream, sem, c.Param("subject"), c.Query("from"), c.Query("to"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "register": reg})
}

func (h *handler) absenceSummary(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	sum, err := h.Attendance.Summarize(c.Request.Context(), stream, sem, c.Param("date"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
}
