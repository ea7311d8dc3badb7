package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/streams"
)

type studentRequest struct {
	StudentID      string `json:"student_id" binding:"required,max=32"`
	Name           string `json:"name" binding:"required"`
	ParentPhone    string `json:"parent_phone" binding:"omitempty,parentphone"`
	LanguageChoice string `json:"language_choice" binding:"omitempty,language"`
	IsActive       *bool  `json:"is_active"`
}

func (r studentRequest) input() attendance.StudentInput {
	return attendance.StudentInput{
		StudentID:      r.StudentID,
		Name:           r.Name,
		ParentPhone:    r.ParentPhone,
		LanguageChoice: streams.Language(r.LanguageChoice),
		IsActive:       r.IsActive,
	}
}

// activeFilter parses ?active=true|false; absent means no filter.
func activeFilter(c *gin.Context) *bool {
	v, ok := c.GetQuery("active")
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

func (h *handler) createStudent(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	var req studentRequest
	if !bind(c, &req) {
		return
	}
	st, err := h.Attendance.CreateStudent(c.Request.Context(), stream, sem, req.input())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "student": st})
}

func (h *handler) bulkCreateStudents(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	// items are validated one by one so a bad record does not sink the batch
	var req struct {
		Students []struct {
			StudentID      string `json:"student_id"`
			Name           string `json:"name"`
			ParentPhone    string `json:"parent_phone"`
			LanguageChoice string `json:"language_choice"`
			IsActive       *bool  `json:"is_active"`
		} `json:"students" binding:"required,min=1"`
	}
	if !bind(c, &req) {
		return
	}
	in := make([]attendance.StudentInput, len(req.Students))
	for i, s := range req.Students {
		in[i] = studentRequest(s).input()
	}
	results, err := h.Attendance.BulkCreateStudents(c.Request.Context(), stream, sem, in)
	if err != nil {
		fail(c, err)
		return
	}
	created := 0
	for _, r := range results {
		if r.Success {
			created++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"created": created,
		"failed":  len(results) - created,
		"results": results,
	})
}

func (h *handler) listStudents(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	list, err := h.Attendance.ListStudents(c.Request.Context(), stream, sem, activeFilter(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "students": nonNil(list)})
}

func (h *handler) getStudent(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	st, err := h.Attendance.GetStudent(c.Request.Context(), stream, sem, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "student": st})
}

func (h *handler) updateStudent(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	var req struct {
		Name           *string `json:"name"`
		ParentPhone    *string `json:"parent_phone" binding:"omitempty,parentphone"`
		LanguageChoice *string `json:"language_choice" binding:"omitempty,language"`
		IsActive       *bool   `json:"is_active"`
	}
	if !bind(c, &req) {
		return
	}
	upd := attendance.StudentUpdate{Name: req.Name, ParentPhone: req.ParentPhone, IsActive: req.IsActive}
	if req.LanguageChoice != nil {
		lang := streams.Language(*req.LanguageChoice)
		upd.LanguageChoice = &lang
	}
	st, err := h.Attendance.UpdateStudent(c.Request.Context(), stream, sem, c.Param("id"), upd)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "student": st})
}

func (h *handler) deleteStudent(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	if err := h.Attendance.DeleteStudent(c.Request.Context(), stream, sem, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "student deleted"})
}

func (h *handler) allStudents(c *gin.Context) {
	list, err := h.Attendance.AllStudents(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "students": nonNil(list)})
}

func (h *handler) createSubject(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	var req struct {
		Name         string `json:"name" binding:"required"`
		Type         string `json:"type" binding:"omitempty,oneof=core elective language practical skill"`
		LanguageType string `json:"language_type" binding:"omitempty,language"`
		Credits      int    `json:"credits" binding:"min=0"`
	}
	if !bind(c, &req) {
		return
	}
	sub, err := h.Attendance.CreateSubject(c.Request.Context(), stream, sem, attendance.SubjectInput{
		Name:         req.Name,
		Type:         req.Type,
		LanguageType: streams.Language(req.LanguageType),
		Credits:      req.Credits,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "subject": sub})
}

func (h *handler) listSubjects(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	list, err := h.Attendance.ListSubjects(c.Request.Context(), stream, sem, activeFilter(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(list), "subjects": nonNil(list)})
}

func (h *handler) deactivateSubject(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	if err := h.Attendance.DeactivateSubject(c.Request.Context(), stream, sem, c.Param("subject")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "subject deactivated"})
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
