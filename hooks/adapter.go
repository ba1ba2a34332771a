package hooks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"realtime-gateway/domain"
)

// Publisher is the slice of the event bus the adapter needs.
type Publisher interface {
	Publish(ev domain.DomainEvent)
}

// Notifier is what the persistence layer calls after a committed write.
type Notifier interface {
	Notify(kind domain.EntityKind, typ domain.EventType, entity any, actorID string)
}

// Nop is a Notifier for deployments without mutation hooks.
type Nop struct{}

func (Nop) Notify(domain.EntityKind, domain.EventType, any, string) {}

var defaultStripped = []string{
	"password",
	"password_hash",
	"hashed_password",
	"refresh_token",
	"reset_token",
	"token",
	"secret",
	"api_key",
	"salt",
}

// Routing hint field names, in lookup order.
var (
	projectFields   = []string{"project_id", "projectId"}
	ownerFields     = []string{"created_by", "createdBy", "updated_by", "owner_id", "ownerId", "assignee_id", "assigneeId", "assigned_to", "reporter_id", "reviewer_id", "user_id", "userId"}
	recipientFields = []string{"recipient_id", "recipientId"}
	roleFields      = []string{"target_role", "role"}
)

// Adapter turns committed entity mutations into domain events.
type Adapter struct {
	pub    Publisher
	logger *log.Logger
	strip  map[string]struct{}
}

// NewAdapter creates an adapter publishing to pub. extraStrip names additional
// fields that must never leave the process.
func NewAdapter(pub Publisher, logger *log.Logger, extraStrip ...string) *Adapter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	a := &Adapter{pub: pub, logger: logger, strip: make(map[string]struct{})}
	for _, f := range append(defaultStripped, extraStrip...) {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			a.strip[f] = struct{}{}
		}
	}
	return a
}

// Notify builds an event for the mutation and publishes it. It never fails the
// caller: errors and panics are logged and the event is dropped.
func (a *Adapter) Notify(kind domain.EntityKind, typ domain.EventType, entity any, actorID string) {
	defer func() {
		if rec := recover(); rec != nil {
			a.logger.WithFields(log.Fields{"kind": kind, "type": typ, "panic": rec}).Error("mutation hook failed")
		}
	}()
	ev, err := a.build(kind, typ, entity, actorID)
	if err != nil {
		a.logger.WithError(err).WithFields(log.Fields{"kind": kind, "type": typ}).Error("unable to build domain event")
		return
	}
	a.pub.Publish(ev)
}

// Mutation is the serialized form of a mutation notice sent by out-of-process
// persistence collaborators. ID is an optional idempotency key.
type Mutation struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Type    string          `json:"type"`
	Entity  json.RawMessage `json:"entity"`
	ActorID string          `json:"actor_id,omitempty"`
}

// NotifyMutation validates m and forwards it to Notify.
func (a *Adapter) NotifyMutation(m Mutation) error {
	kind, err := domain.ParseEntityKind(m.Kind)
	if err != nil {
		return err
	}
	typ, err := domain.ParseEventType(m.Type)
	if err != nil {
		return err
	}
	a.Notify(kind, typ, []byte(m.Entity), m.ActorID)
	return nil
}

func (a *Adapter) build(kind domain.EntityKind, typ domain.EventType, entity any, actorID string) (domain.DomainEvent, error) {
	if _, err := domain.ParseEntityKind(string(kind)); err != nil {
		return domain.DomainEvent{}, err
	}
	if _, err := domain.ParseEventType(string(typ)); err != nil {
		return domain.DomainEvent{}, err
	}
	fields, err := normalize(entity)
	if err != nil {
		return domain.DomainEvent{}, err
	}
	payload := a.scrubMap(fields)
	ev := domain.DomainEvent{
		Type:     typ,
		Kind:     kind,
		EntityID: stringField(payload, "id"),
		Payload:  payload,
		ActorID:  actorID,
		Audience: audienceOf(payload),
	}
	if kind == domain.Project && ev.Audience.ProjectID == "" {
		ev.Audience.ProjectID = ev.EntityID
	}
	return ev, nil
}

// scrubMap returns a copy of m without stripped fields, descending into
// nested objects and arrays. m itself is left untouched.
func (a *Adapter) scrubMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, hidden := a.strip[strings.ToLower(k)]; hidden {
			continue
		}
		out[k] = a.scrub(v)
	}
	return out
}

func (a *Adapter) scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return a.scrubMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = a.scrub(item)
		}
		return out
	}
	return v
}

func normalize(entity any) (map[string]any, error) {
	var raw []byte
	switch v := entity.(type) {
	case nil:
		return nil, fmt.Errorf("nil entity")
	case map[string]any:
		return v, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		b, err := sonic.ConfigStd.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal entity: %w", err)
		}
		raw = b
	}
	var out map[string]any
	if err := sonic.ConfigStd.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("entity is not an object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("entity is not an object")
	}
	return out, nil
}

func audienceOf(payload map[string]any) domain.Audience {
	var a domain.Audience
	for _, f := range projectFields {
		if a.ProjectID = stringField(payload, f); a.ProjectID != "" {
			break
		}
	}
	seen := make(map[string]struct{})
	for _, f := range ownerFields {
		if id := stringField(payload, f); id != "" {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				a.UserIDs = append(a.UserIDs, id)
			}
		}
	}
	for _, f := range recipientFields {
		if a.RecipientID = stringField(payload, f); a.RecipientID != "" {
			break
		}
	}
	for _, f := range roleFields {
		if a.Role = stringField(payload, f); a.Role != "" {
			break
		}
	}
	return a
}

// stringField reads ids that may arrive as JSON strings or numbers.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	}
	return ""
}
