package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

// startWorkflow handles POST /api/v1/workflows/:name/start. The
// request body, if any, becomes the run's kwargs verbatim.
func (s *Server) startWorkflow(c *gin.Context) {
	name := c.Param("name")

	var kwargs json.RawMessage
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&kwargs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	handle, err := s.conductor.Start(c.Request.Context(), name, kwargs)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":      handle.RunID(),
		"workflow_id": name,
	})
}

// sendEvent handles POST /api/v1/runs/:run_id/send/:event.
func (s *Server) sendEvent(c *gin.Context) {
	runID := c.Param("run_id")
	event := c.Param("event")

	var value any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	handle := s.conductor.Resume(runID)
	if err := handle.Send(c.Request.Context(), event, value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "event": event})
}

// getResult handles GET /api/v1/runs/:run_id/result. It reports the
// run's current status without blocking for it to finish.
func (s *Server) getResult(c *gin.Context) {
	runID := c.Param("run_id")
	handle := s.conductor.Resume(runID)

	ok, runErr, done, err := handle.Peek(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !done {
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "running"})
		return
	}
	if runErr != nil {
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "failed", "error": runErr.Error()})
		return
	}

	var result any
	if len(ok) > 0 {
		_ = json.Unmarshal(ok, &result)
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "completed", "result": result})
}

// listRuns handles GET /api/v1/workflows/:name/runs.
func (s *Server) listRuns(c *gin.Context) {
	name := c.Param("name")

	results, err := s.filter.ListResults(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": name,
		"runs":        results,
		"count":       len(results),
	})
}

// searchRuns handles POST /api/v1/workflows/:name/search. The request
// body is a filter query as described by pkg/filter.
func (s *Server) searchRuns(c *gin.Context) {
	name := c.Param("name")

	var query map[string]any
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.filter.Search(c.Request.Context(), name, query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": name,
		"runs":        results,
		"count":       len(results),
	})
}
