package orgcontext

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Header carries the organisation id on trigger requests and worker calls.
const Header = "X-Org-ID"

var ErrInvalidOrgID = errors.New("invalid_org_id")

type orgContextKey struct{}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID snowflake.ID) context.Context {
	return context.WithValue(ctx, orgContextKey{}, orgID)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	orgID, ok := ctx.Value(orgContextKey{}).(snowflake.ID)
	if !ok || orgID == 0 {
		return 0, false
	}
	return orgID, true
}

// Parse reads an org ID as sent in Header.
func Parse(raw string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || parsed <= 0 {
		return 0, ErrInvalidOrgID
	}
	return parsed, nil
}
