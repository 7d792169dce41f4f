// Package authz decides whether a caller or an installed app item may
// perform an operation.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
package authz

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/auth"
	"github.com/ashita-ai/kakehashi/internal/model"
)

// Operation is an action an app item can be granted.
type Operation string

const (
	OpExternalCall  Operation = "external.call"
	OpExternalOAuth Operation = "external.oauth"
	OpRequestSubmit Operation = "request.submit"
)

// DenialCode is the code carried by every Denial.
const DenialCode = model.ErrCodePermissionDenied

// Denial is returned when an app item lacks the grant for an operation.
// Status is the HTTP status to return verbatim.
type Denial struct {
	Status    int       `json:"status"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	AppItemID string    `json:"appItemId"`
	Required  Operation `json:"required"`
}

// Error implements error so a Denial can travel through error returns.
func (d *Denial) Error() string {
	return d.Message
}

// WithStatus returns a copy of d with a different HTTP status.
func (d *Denial) WithStatus(status int) *Denial {
	cp := *d
	cp.Status = status
	return &cp
}

// Validate checks item's declared permissions against op. It returns nil
// when the operation is allowed. A zero item is a direct user call and is
// not gated here; an item described without an id is always denied.
//
// A permission grants op when it equals op, when it is the namespace
// wildcard for op (for example "external.*"), or when it is "*".
//
// Validate is pure: it performs no I/O and must run before any credential
// lookup or provider call.
func Validate(item model.AppItem, op Operation) *Denial {
	if item.IsZero() {
		return nil
	}
	if item.ID == "" {
		return &Denial{
			Status:   http.StatusForbidden,
			Code:     DenialCode,
			Message:  fmt.Sprintf("app item has no id and cannot perform %s", op),
			Required: op,
		}
	}
	if slices.ContainsFunc(item.Permissions, func(p string) bool { return grants(p, op) }) {
		return nil
	}
	name := item.Name
	if name == "" {
		name = item.ID
	}
	return &Denial{
		Status:    http.StatusForbidden,
		Code:      DenialCode,
		Message:   fmt.Sprintf("app item %q is not permitted to perform %s", name, op),
		AppItemID: item.ID,
		Required:  op,
	}
}

func grants(permission string, op Operation) bool {
	p := strings.TrimSpace(permission)
	if p == "*" || p == string(op) {
		return true
	}
	ns, ok := strings.CutSuffix(p, ".*")
	return ok && ns != "" && strings.HasPrefix(string(op), ns+".")
}

// CanAccessWorkspace reports whether the authenticated caller may act in
// workspaceID. An empty workspace is always allowed (user scope). Admin
// tokens may act in any workspace.
func CanAccessWorkspace(claims *auth.Claims, workspaceID string) bool {
	if workspaceID == "" {
		return true
	}
	if claims == nil {
		return false
	}
	if claims.Admin {
		return true
	}
	return slices.Contains(claims.Workspaces, workspaceID)
}
