package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/evvbridge/internal/evv/service"
)

const (
	defaultPendingLimit = 100
	maxPendingLimit     = 500
	maxBatchSize        = 500
)

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || parsed <= 0 {
		return 0, newValidationError(name, "invalid_id", "invalid id")
	}
	return parsed, nil
}

// submitOptions reads force, skip_validation and dry_run from the query.
func submitOptions(c *gin.Context) (service.SubmitOptions, error) {
	var opts service.SubmitOptions
	for name, dst := range map[string]*bool{
		"force":           &opts.ForceSubmit,
		"skip_validation": &opts.SkipValidation,
		"dry_run":         &opts.DryRun,
	} {
		v, err := parseOptionalBool(c.Query(name))
		if err != nil {
			return opts, newValidationError(name, "invalid_bool", "must be true or false")
		}
		if v != nil {
			*dst = *v
		}
	}
	return opts, nil
}

func parseLimit(c *gin.Context) (int, error) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return defaultPendingLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, newValidationError("limit", "invalid_limit", "limit must be a positive integer")
	}
	return min(limit, maxPendingLimit), nil
}
