package domain

import "strings"

// Roles that receive every entity event regardless of project membership.
var unscopedRoles = map[string]struct{}{
	"admin":        {},
	"system_admin": {},
	"systemadmin":  {},
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Unscoped reports whether the identity's role sees all entity events.
func (i Identity) Unscoped() bool {
	_, ok := unscopedRoles[strings.ToLower(i.Role)]
	return ok
}

// Scope is a connection's interest filter.
type Scope struct {
	Kinds      map[EntityKind]struct{}
	ProjectIDs map[string]struct{}
	Unscoped   bool
}

// DefaultScope builds the role-appropriate scope: admins are unscoped, every
// other role is limited to the given projects (plus ownership, see Matches).
func DefaultScope(id Identity, projectIDs []string) Scope {
	s := Scope{
		Kinds:      make(map[EntityKind]struct{}, len(EntityKinds)),
		ProjectIDs: make(map[string]struct{}, len(projectIDs)),
		Unscoped:   id.Unscoped(),
	}
	for _, k := range EntityKinds {
		s.Kinds[k] = struct{}{}
	}
	for _, p := range projectIDs {
		if p = strings.TrimSpace(p); p != "" {
			s.ProjectIDs[p] = struct{}{}
		}
	}
	return s
}

// Subscription binds a live connection to its identity and scope.
type Subscription struct {
	ConnectionID string
	Identity     Identity
	Scope        Scope
}

// Matches reports whether ev should be delivered to this subscription.
func (s *Subscription) Matches(ev DomainEvent) bool {
	if _, ok := s.Scope.Kinds[ev.Kind]; !ok {
		return false
	}
	if ev.Kind == Notification {
		return s.matchesNotification(ev.Audience)
	}
	if s.Scope.Unscoped {
		return true
	}
	if ev.Audience.ProjectID != "" {
		if _, ok := s.Scope.ProjectIDs[ev.Audience.ProjectID]; ok {
			return true
		}
	}
	for _, uid := range ev.Audience.UserIDs {
		if uid == s.Identity.UserID {
			return true
		}
	}
	return ev.Kind == User && ev.EntityID == s.Identity.UserID
}

// Notifications are addressed rather than scoped: recipient first, then role,
// otherwise everyone.
func (s *Subscription) matchesNotification(a Audience) bool {
	switch {
	case a.RecipientID != "":
		return a.RecipientID == s.Identity.UserID
	case a.Role != "":
		return strings.EqualFold(a.Role, s.Identity.Role)
	default:
		return true
	}
}

// Narrow removes kinds from the subscription.
func (s *Subscription) Narrow(kinds []EntityKind) {
	for _, k := range kinds {
		delete(s.Scope.Kinds, k)
	}
}

// Widen re-adds kinds. Project and role limits are untouched, so a client can
// never see more than its role scope allows.
func (s *Subscription) Widen(kinds []EntityKind) {
	for _, k := range kinds {
		s.Scope.Kinds[k] = struct{}{}
	}
}
