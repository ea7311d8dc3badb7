package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
)

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

func (h *handler) sendAbsenceMessages(c *gin.Context) {
	h.dispatch(c, queryBool(c, "force"))
}

func (h *handler) resendAbsenceMessages(c *gin.Context) {
	h.dispatch(c, true)
}

func (h *handler) dispatch(c *gin.Context, force bool) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	date := c.Param("date")

	if queryBool(c, "async") {
		if h.Queue == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "QUEUE_UNAVAILABLE", "message": "asynchronous dispatch is not configured"})
			return
		}
		desc, err := h.Registry.Check(stream, sem)
		if err != nil {
			fail(c, err)
			return
		}
		if date, err = attendance.ParseDate(date); err != nil {
			fail(c, err)
			return
		}
		msg, err := queue.NewDispatch(queue.DispatchJob{Stream: desc.Name, Semester: sem, Date: date, Force: force})
		if err == nil {
			err = h.Queue.Publish(c.Request.Context(), msg)
		}
		if err != nil {
			fail(c, err)
			return
		}
		metrics.QueueJobs.WithLabelValues(queue.TypeDispatch, "published").Inc()
		c.JSON(http.StatusAccepted, gin.H{"success": true, "queued": true, "stream": desc.Name, "semester": sem, "date": date})
		return
	}

	out, err := h.Dispatcher.Dispatch(c.Request.Context(), stream, sem, date, force)
	if err != nil {
		fail(c, err)
		return
	}
	if out.Cached {
		c.JSON(http.StatusConflict, gin.H{
			"success": false,
			"error":   "ALREADY_SENT",
			"message": "absence messages were already sent for this date; use resend to send again",
			"log":     out.Log,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "log": out.Log})
}

func (h *handler) notificationLogs(c *gin.Context) {
	stream, sem, ok := class(c)
	if !ok {
		return
	}
	logs, err := h.Dispatcher.Logs(c.Request.Context(), stream, sem, c.Query("date"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(logs), "logs": nonNil(logs)})
}
