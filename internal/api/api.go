// Package api exposes the attendance backend over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/httpmiddleware"
	"campusattend/internal/notify"
	"campusattend/internal/queue"
	"campusattend/internal/store"
	"campusattend/internal/streams"
	"campusattend/internal/teachers"
)

// Deps are the collaborators the handlers use.
type Deps struct {
	Attendance *attendance.Service
	Dispatcher *notify.Dispatcher
	Teachers   *teachers.Service
	Partitions *store.PartitionStore
	Registry   *streams.Registry

	// Queue enables ?async=true dispatch when set.
	Queue queue.Queue
	// Limiter enables rate limiting when set.
	Limiter httpmiddleware.Limiter
	// Health reports dependency status for /healthz.
	Health func(ctx context.Context) map[string]bool

	JWTIssuer     string
	JWTSigningKey string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	AdminAPIKey   string
}

type handler struct {
	Deps
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	registerValidators()
	h := &handler{Deps: d}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(httpmiddleware.Metrics())
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())
	if d.Limiter != nil {
		r.Use(httpmiddleware.RateLimit(d.Limiter))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "NOT_FOUND", "message": "no route for " + c.Request.URL.Path})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"success": false, "error": "METHOD_NOT_ALLOWED", "message": c.Request.Method + " not allowed on " + c.Request.URL.Path})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.health)

	admin := auth.APIKey(d.AdminAPIKey)
	api := r.Group("/api", auth.OptionalTeacher(d.JWTSigningKey, d.JWTIssuer))

	api.GET("/streams", h.listStreams)
	api.GET("/debug/partitions", admin, h.debugPartitions)

	api.POST("/students/:stream/:sem", h.createStudent)
	api.GET("/students/:stream/:sem", h.listStudents)
	api.POST("/students/:stream/:sem/bulk", h.bulkCreateStudents)
	api.GET("/students/:stream/:sem/:id", h.getStudent)
	api.PUT("/students/:stream/:sem/:id", h.updateStudent)
	api.DELETE("/students/:stream/:sem/:id", h.deleteStudent)
	api.GET("/all-students", h.allStudents)

	api.POST("/subjects/:stream/:sem", h.createSubject)
	api.GET("/subjects/:stream/:sem", h.listSubjects)
	api.DELETE("/subjects/:stream/:sem/:subject", h.deactivateSubject)

	api.POST("/attendance/:stream/:sem/:subject", h.markAttendance)
	api.GET("/attendance/:stream/:sem/:subject", h.listSessions)
	api.PUT("/attendance/:stream/:sem/:subject", h.bulkUpdateSessions)
	api.GET("/attendance-register/:stream/:sem/:subject", h.register)
	api.GET("/absence-summary/:stream/:sem/:date", h.absenceSummary)

	api.POST("/send-absence-messages/:stream/:sem/:date", h.sendAbsenceMessages)
	api.POST("/resend-absence-messages/:stream/:sem/:date", h.resendAbsenceMessages)
	api.GET("/notification-logs/:stream/:sem", h.notificationLogs)

	api.POST("/simple-promotion/:stream", admin, h.promote)
	api.GET("/promotion-preview/:stream", admin, h.promotionPreview)

	api.POST("/auth/teacher-token", admin, h.teacherToken)
	api.POST("/auth/refresh", h.refreshToken)

	me := api.Group("/teachers", auth.TeacherAuth(d.JWTSigningKey, d.JWTIssuer))
	me.POST("/sync", h.syncTeacher)
	me.GET("/me", h.getTeacher)
	me.GET("/me/subjects", h.listLibrary)
	me.POST("/me/subjects", h.addLibrarySubject)
	me.DELETE("/me/subjects/:id", h.removeLibrarySubject)
	me.GET("/me/queue", h.getQueue)
	me.PUT("/me/queue", h.saveQueue)
	me.GET("/me/history", h.listHistory)
	me.POST("/me/history", h.appendHistory)
	me.POST("/me/avatar", h.uploadAvatar)

	return r
}

func (h *handler) health(c *gin.Context) {
	status := http.StatusOK
	checks := map[string]bool{}
	if h.Health != nil {
		checks = h.Health(c.Request.Context())
	}
	for _, ok := range checks {
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"success": status == http.StatusOK, "checks": checks})
}

func (h *handler) listStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "streams": h.Registry.All()})
}

func (h *handler) debugPartitions(c *gin.Context) {
	bound := h.Partitions.Bound()
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(bound), "partitions": bound})
}

// class reads the :stream and :sem path segments.
func class(c *gin.Context) (string, int, bool) {
	sem, err := streams.ParseSemester(c.Param("sem"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "INVALID_SEMESTER", "message": err.Error()})
		return "", 0, false
	}
	return c.Param("stream"), sem, true
}

type errorRule struct {
	target error
	status int
	code   string
}

var errorRules = []errorRule{
	{streams.ErrUnknownStream, http.StatusNotFound, "UNKNOWN_STREAM"},
	{streams.ErrSemesterOutOfRange, http.StatusBadRequest, "SEMESTER_OUT_OF_RANGE"},
	{streams.ErrEmptySubject, http.StatusBadRequest, "INVALID_SUBJECT"},
	{attendance.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{teachers.ErrInvalidInput, http.StatusBadRequest, "VALIDATION_ERROR"},
	{attendance.ErrStudentNotFound, http.StatusNotFound, "STUDENT_NOT_FOUND"},
	{attendance.ErrSubjectNotFound, http.StatusNotFound, "SUBJECT_NOT_FOUND"},
	{attendance.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{notify.ErrNoAttendanceData, http.StatusNotFound, "NO_ATTENDANCE_DATA"},
	{teachers.ErrProfileNotFound, http.StatusNotFound, "PROFILE_NOT_FOUND"},
	{teachers.ErrLibrarySubjectNotFound, http.StatusNotFound, "LIBRARY_SUBJECT_NOT_FOUND"},
	{attendance.ErrDuplicateStudent, http.StatusConflict, "DUPLICATE_STUDENT"},
	{attendance.ErrDuplicateSubject, http.StatusConflict, "DUPLICATE_SUBJECT"},
	{attendance.ErrDuplicateSession, http.StatusConflict, "DUPLICATE_SESSION"},
	{teachers.ErrDuplicateLibrarySubject, http.StatusConflict, "DUPLICATE_LIBRARY_SUBJECT"},
	{notify.ErrDispatchInProgress, http.StatusConflict, "DISPATCH_IN_PROGRESS"},
	{teachers.ErrAvatarUnavailable, http.StatusServiceUnavailable, "AVATAR_UNAVAILABLE"},
}

// fail writes the error envelope. Unknown errors are logged and hidden.
func fail(c *gin.Context, err error) {
	var inel *attendance.IneligibleStudentsError
	if errors.As(err, &inel) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success":    false,
			"error":      "INELIGIBLE_STUDENTS",
			"message":    err.Error(),
			"ineligible": inel.IDs,
		})
		return
	}
	for _, rule := range errorRules {
		if errors.Is(err, rule.target) {
			body := gin.H{"success": false, "error": rule.code, "message": err.Error()}
			var fe *attendance.FieldError
			if errors.As(err, &fe) {
				body["field"] = fe.Field
			}
			c.JSON(rule.status, body)
			return
		}
	}
	log.Printf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "INTERNAL_ERROR", "message": "internal error"})
}
