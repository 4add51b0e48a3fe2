package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) SubmitIndividual(c *gin.Context) {
	clientID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.individuals.SubmitIndividual(c.Request.Context(), clientID, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), gin.H{"data": renderOutcome(out)})
}

func (s *Server) SubmitEmployee(c *gin.Context) {
	userID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	opts, err := submitOptions(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out, err := s.employees.SubmitEmployee(c.Request.Context(), userID, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), gin.H{"data": renderOutcome(out)})
}
