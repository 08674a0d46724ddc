package handler

import (
	"github.com/choraleia/inkos/pkg/models"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/gin-gonic/gin"
)

type TaskHandler struct {
	queue     *service.JobQueue
	scheduler *service.Scheduler
	tasks     *service.TaskService
}

func NewTaskHandler(queue *service.JobQueue, scheduler *service.Scheduler, tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{queue: queue, scheduler: scheduler, tasks: tasks}
}

func (h *TaskHandler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.POST("", h.Enqueue)
		jobs.POST("/run", h.RunNow)
		jobs.GET("", h.List)
		jobs.GET("/pool", h.Pool)
		jobs.GET("/:id", h.Get)
	}
}

// Enqueue queues a job and wakes the scheduler
// POST /api/jobs
func (h *TaskHandler) Enqueue(c *gin.Context) {
	var req models.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	job, err := h.scheduler.Enqueue(c.Request.Context(), req.Kind, req.Payload, req.RunAt)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, job)
}

// RunNow runs a job synchronously and returns its final row
// POST /api/jobs/run
func (h *TaskHandler) RunNow(c *gin.Context) {
	var req models.RunJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	job, err := h.scheduler.RunNow(c.Request.Context(), req.Kind, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, job)
}

// List lists jobs newest first
// GET /api/jobs?state=queued&kind=workspace.daily_digest&limit=50
func (h *TaskHandler) List(c *gin.Context) {
	jobs, err := h.queue.List(c.Request.Context(), service.JobFilter{
		State: c.Query("state"),
		Kind:  c.Query("kind"),
		Limit: queryInt(c, "limit", 50),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, jobs)
}

func (h *TaskHandler) Get(c *gin.Context) {
	job, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, job)
}

// Pool reports the worker pool's active and recent dispatch tasks
// GET /api/jobs/pool?limit=50
func (h *TaskHandler) Pool(c *gin.Context) {
	respondOK(c, gin.H{
		"active":  h.tasks.ListRunning(),
		"history": h.tasks.ListHistory(queryInt(c, "limit", 50)),
		"kinds":   h.queue.Kinds(),
	})
}
