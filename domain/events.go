package domain

import (
	"fmt"
	"time"
)

// EventType is the kind of committed mutation.
type EventType string

const (
	Created EventType = "created"
	Updated EventType = "updated"
	Deleted EventType = "deleted"
)

// EntityKind identifies the tracked entity an event refers to.
type EntityKind string

const (
	Ticket       EntityKind = "ticket"
	Epic         EntityKind = "epic"
	Deliverable  EntityKind = "deliverable"
	Sprint       EntityKind = "sprint"
	Notification EntityKind = "notification"
	Project      EntityKind = "project"
	User         EntityKind = "user"
	Approval     EntityKind = "approval"
)

// EntityKinds lists every tracked kind in a stable order.
var EntityKinds = []EntityKind{Ticket, Epic, Deliverable, Sprint, Notification, Project, User, Approval}

// Outbound frame types that are not derived from an entity mutation.
const (
	FrameConnected          = "connected"
	FrameUserOnline         = "user_online"
	FrameUserOffline        = "user_offline"
	FrameUserActivityUpdate = "user_activity_update"
	FrameNotificationRecv   = "notification_received"
	FramePong               = "pong"
	FrameError              = "error"
)

// Inbound client signal types.
const (
	SignalActivity    = "activity"
	SignalPing        = "ping"
	SignalSubscribe   = "subscribe"
	SignalUnsubscribe = "unsubscribe"
)

// ParseEventType validates a raw event type. Persistence-level verbs
// (INSERT/UPDATE/DELETE) are accepted as aliases.
func ParseEventType(raw string) (EventType, error) {
	switch raw {
	case "created", "create", "INSERT", "insert":
		return Created, nil
	case "updated", "update", "UPDATE":
		return Updated, nil
	case "deleted", "delete", "destroyed", "DELETE":
		return Deleted, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, raw)
}

// ParseEntityKind validates a raw entity kind.
func ParseEntityKind(raw string) (EntityKind, error) {
	for _, k := range EntityKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEntityKind, raw)
}

// Audience carries the routing hints extracted from an entity when the event is
// built. Empty fields mean "no hint".
type Audience struct {
	ProjectID   string   `json:"projectId,omitempty"`
	UserIDs     []string `json:"userIds,omitempty"`
	RecipientID string   `json:"recipientId,omitempty"`
	Role        string   `json:"role,omitempty"`
}

// DomainEvent describes one committed mutation of a tracked entity. It is
// treated as immutable once published: listeners must not modify Payload.
type DomainEvent struct {
	Type      EventType      `json:"type"`
	Kind      EntityKind     `json:"entityKind"`
	EntityID  string         `json:"entityId"`
	Payload   map[string]any `json:"payload"`
	ActorID   string         `json:"actorId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  uint64         `json:"sequence"`
	Audience  Audience       `json:"audience"`
}

// Name returns the outbound frame type for the event, e.g. "ticket_created".
// A created notification is announced to its recipient as notification_received.
func (e DomainEvent) Name() string {
	if e.Kind == Notification && e.Type == Created {
		return FrameNotificationRecv
	}
	return string(e.Kind) + "_" + string(e.Type)
}

// Frame is the message shape pushed to clients.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Frame renders the event in its wire form: payload fields plus timestamp.
func (e DomainEvent) Frame() Frame {
	data := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		data[k] = v
	}
	if _, ok := data["id"]; !ok && e.EntityID != "" {
		data["id"] = e.EntityID
	}
	if e.ActorID != "" {
		data["actor_id"] = e.ActorID
	}
	data["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	return Frame{Type: e.Name(), Data: data}
}

// Signal is a client-originated message.
type Signal struct {
	Type     string         `json:"type"`
	Activity string         `json:"activity,omitempty"`
	Status   string         `json:"status,omitempty"`
	Kinds    []string       `json:"kinds,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Time     any            `json:"timestamp,omitempty"`
}
