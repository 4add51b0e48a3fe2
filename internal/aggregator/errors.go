package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/errcode"
)

// Resource names select the not-found code for a 404.
const (
	resourceEmployees   = "employees"
	resourceIndividuals = "individuals"
	resourceVisits      = "visits"
)

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Errors  []domain.ResponseError `json:"errors"`
}

var knownCodes = map[errcode.Code]struct{}{
	errcode.AuthInvalidCredentials:   {},
	errcode.AuthForbidden:            {},
	errcode.ValidationInvalidFormat:  {},
	errcode.IndividualNotFound:       {},
	errcode.EmployeeNotFound:         {},
	errcode.SystemTimeout:            {},
	errcode.SystemNetworkError:       {},
	errcode.SystemRateLimit:          {},
	errcode.SystemInternalError:      {},
	errcode.SystemServiceUnavailable: {},
	errcode.SystemGatewayTimeout:     {},
}

// mapStatus converts a non-2xx response into the taxonomy.
func (c *Client) mapStatus(status int, header http.Header, body []byte, resource string) *domain.Error {
	now := c.clock.Now()

	var parsed errorBody
	_ = json.Unmarshal(body, &parsed)

	message := strings.TrimSpace(parsed.Message)
	if message == "" {
		message = strings.TrimSpace(parsed.Error)
	}
	field := ""
	if len(parsed.Errors) > 0 {
		field = parsed.Errors[0].Field
		if message == "" {
			message = parsed.Errors[0].Message
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	code := statusCode(status, resource, errcode.Code(strings.TrimSpace(parsed.Code)))
	aggErr := domain.NewError(code, message, now)
	aggErr.Field = field
	aggErr.HTTPStatus = status
	if len(body) > 0 {
		aggErr.Details = body
	}
	if status == http.StatusTooManyRequests {
		aggErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	}
	return aggErr
}

func statusCode(status int, resource string, bodyCode errcode.Code) errcode.Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errcode.ValidationInvalidFormat
	case http.StatusUnauthorized:
		return errcode.AuthInvalidCredentials
	case http.StatusForbidden:
		return errcode.AuthForbidden
	case http.StatusNotFound:
		if _, ok := knownCodes[bodyCode]; ok {
			return bodyCode
		}
		switch resource {
		case resourceEmployees:
			return errcode.EmployeeNotFound
		case resourceIndividuals:
			return errcode.IndividualNotFound
		default:
			return errcode.ValidationInvalidFormat
		}
	case http.StatusRequestTimeout:
		return errcode.SystemTimeout
	case http.StatusTooManyRequests:
		return errcode.SystemRateLimit
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return errcode.SystemServiceUnavailable
	case http.StatusGatewayTimeout:
		return errcode.SystemGatewayTimeout
	}
	if status >= 500 {
		return errcode.SystemInternalError
	}
	return errcode.ValidationInvalidFormat
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable values
// yield zero and the caller falls back to its configured delay.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// transportError maps a failure that produced no HTTP response.
func (c *Client) transportError(err error) *domain.Error {
	now := c.clock.Now()
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewError(errcode.SystemTimeout, "aggregator request timed out", now).WithCause(err)
	case errors.Is(err, context.Canceled):
		return domain.NewError(errcode.SystemNetworkError, "aggregator request cancelled", now).WithCause(err)
	default:
		return domain.NewError(errcode.SystemNetworkError, err.Error(), now).WithCause(err)
	}
}
