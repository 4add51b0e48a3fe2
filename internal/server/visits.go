package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
)

type batchRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) SubmitVisit(c *gin.Context) {
	recordID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.visits.SubmitVisit(c.Request.Context(), recordID, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), gin.H{"data": renderOutcome(out)})
}

func (s *Server) SubmitVisitBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.IDs) == 0 {
		AbortWithError(c, newValidationError("ids", "required", "ids is required"))
		return
	}
	if len(req.IDs) > maxBatchSize {
		AbortWithError(c, newValidationError("ids", "too_many", "too many ids"))
		return
	}
	ids := make([]snowflake.ID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := snowflake.ParseString(raw)
		if err != nil || id <= 0 {
			AbortWithError(c, newValidationError("ids", "invalid_id", "invalid id"))
			return
		}
		ids = append(ids, id)
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.visits.SubmitBatch(c.Request.Context(), ids, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": renderBatch(res)})
}

func (s *Server) SubmitPendingVisits(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	res, err := s.visits.SubmitPending(c.Request.Context(), limit, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": renderBatch(res)})
}

func (s *Server) CorrectVisit(c *gin.Context) {
	recordID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req service.CorrectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.corrections.CorrectVisit(c.Request.Context(), recordID, req, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), gin.H{"data": renderOutcome(out)})
}

func (s *Server) VoidVisit(c *gin.Context) {
	recordID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req service.VoidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.corrections.VoidVisit(c.Request.Context(), recordID, req, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), gin.H{"data": renderOutcome(out)})
}

func (s *Server) ListVisitTransactions(c *gin.Context) {
	recordID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	txs, err := s.visits.Transactions(c.Request.Context(), recordID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{"data": txs})
}

func (s *Server) ListRejectedVisits(c *gin.Context) {
	records, err := s.visits.ListRejected(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if records == nil {
		records = []*domain.EVVRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (s *Server) AggregatorHealth(c *gin.Context) {
	healthy, err := s.visits.HealthCheck(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"data": gin.H{"healthy": healthy}})
}
