package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/evvbridge/internal/orgcontext"
)

// OrgContext resolves the organisation from the X-Org-ID header. Callers
// sit behind the portal, which authenticates them.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := orgcontext.Parse(c.GetHeader(orgcontext.Header))
		if err != nil {
			AbortWithError(c, newValidationError("org_id", "invalid_org_id", "X-Org-ID header is required"))
			return
		}
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID))
		c.Next()
	}
}
