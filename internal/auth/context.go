package auth

import (
	"context"
	"errors"
)

// ErrNotAuthorized is returned when the acting member lacks permission for
// the requested operation (e.g. a child approving a task, or one child
// starting another child's timer).
var ErrNotAuthorized = errors.New("not authorized")

type contextKey struct{}

// Actor identifies the authenticated family member making a request.
type Actor struct {
	MemberID  int64
	Role      string
	SessionID int64
}

func (a Actor) IsParent() bool {
	return a.Role == "parent"
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

func MemberID(ctx context.Context) int64 {
	a, ok := FromContext(ctx)
	if !ok {
		return 0
	}
	return a.MemberID
}

func IsParent(ctx context.Context) bool {
	a, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return a.IsParent()
}
