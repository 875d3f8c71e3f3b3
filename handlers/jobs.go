package handlers

import (
	"net/http"

	"medx-coding-support/services"

	"github.com/gin-gonic/gin"
)

// JobHandler exposes queue observability and the admin job reset.
type JobHandler struct {
	queue *services.QueueStore
}

func NewJobHandler(queue *services.QueueStore) *JobHandler {
	return &JobHandler{queue: queue}
}

// GetJob returns one job by its opaque id.
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.queue.GetJob(c.Param("jobID"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJobStatus returns the derived status of a chart's latest job, including
// retry countdown for failed jobs waiting on their backoff window.
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	info, err := h.queue.GetJobStatus(c.Param("chartNumber"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no jobs for chart"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListJobsByChart returns every job a chart has had, newest first.
func (h *JobHandler) ListJobsByChart(c *gin.Context) {
	jobs, err := h.queue.JobsByChart(c.Param("chartNumber"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// GetQueueStats returns the dashboard counters.
func (h *JobHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.queue.GetStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read queue stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RetryJob is the administrative reset of a permanently failed job.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("jobID")
	if err := h.queue.Retry(jobID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "pending"})
}
