// Package events defines the lifecycle protocol spoken between service instances, the discovery
// coordinator and the gateways.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moonkev/flexdisco/internal/common/types"
)

// ErrMalformedEvent marks an event that can never be processed successfully.
var ErrMalformedEvent = errors.New("malformed event")

// Kind is the closed set of lifecycle event shapes.
type Kind int

const (
	KindUnknown Kind = iota
	// KindStarted is emitted by an instance when it comes up.
	KindStarted
	// KindHeartbeat is emitted periodically by a running instance.
	KindHeartbeat
	// KindStopped is emitted by an instance on graceful shutdown.
	KindStopped
	// KindRegistered is emitted by the coordinator when membership is created.
	KindRegistered
	// KindUnregistered is emitted by the coordinator on stop or TTL expiry.
	KindUnregistered
)

var kindNames = map[Kind]string{
	KindStarted:      "InstanceStarted",
	KindHeartbeat:    "InstanceHeartbeat",
	KindStopped:      "InstanceStopped",
	KindRegistered:   "InstanceRegistered",
	KindUnregistered: "InstanceUnregistered",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind resolves an event name such as "InstanceStarted".
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, name)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// RequiresAddresses reports whether events of this kind must carry a non-empty address set.
func (k Kind) RequiresAddresses() bool {
	return k != KindUnregistered
}

// Event is the envelope of every lifecycle message. ID identifies one publication and is kept
// across redeliveries; OccurredAt orders membership changes of one instance.
type Event struct {
	ID          uuid.UUID         `json:"id"`
	Kind        Kind              `json:"kind"`
	InstanceID  uuid.UUID         `json:"instanceId"`
	ServiceType types.ServiceType `json:"serviceType"`
	Addresses   []string          `json:"addresses,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

func newEvent(kind Kind, inst types.ServiceInstance, at time.Time) Event {
	return Event{
		ID:          uuid.New(),
		Kind:        kind,
		InstanceID:  inst.InstanceID,
		ServiceType: inst.ServiceType,
		Addresses:   types.NormalizeAddresses(inst.Addresses),
		OccurredAt:  at.UTC(),
	}
}

// Started builds an InstanceStarted event.
func Started(inst types.ServiceInstance, at time.Time) Event {
	return newEvent(KindStarted, inst, at)
}

// Heartbeat builds an InstanceHeartbeat event.
func Heartbeat(inst types.ServiceInstance, at time.Time) Event {
	return newEvent(KindHeartbeat, inst, at)
}

// Stopped builds an InstanceStopped event.
func Stopped(inst types.ServiceInstance, at time.Time) Event {
	return newEvent(KindStopped, inst, at)
}

// Registered builds an InstanceRegistered event.
func Registered(inst types.ServiceInstance, at time.Time) Event {
	return newEvent(KindRegistered, inst, at)
}

// Unregistered builds an InstanceUnregistered event, which carries no addresses.
func Unregistered(st types.ServiceType, id uuid.UUID, at time.Time) Event {
	return Event{
		ID:          uuid.New(),
		Kind:        KindUnregistered,
		InstanceID:  id,
		ServiceType: st,
		OccurredAt:  at.UTC(),
	}
}

// Validate checks the fields every consumer relies on. Any violation wraps ErrMalformedEvent.
func (e Event) Validate() error {
	if _, ok := kindNames[e.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedEvent, int(e.Kind))
	}
	if e.InstanceID == uuid.Nil {
		return fmt.Errorf("%w: %s has no instanceId", ErrMalformedEvent, e.Kind)
	}
	if e.ServiceType.IsZero() {
		return fmt.Errorf("%w: %s has no serviceType", ErrMalformedEvent, e.Kind)
	}
	if _, err := types.ParseServiceType(e.ServiceType.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Kind.RequiresAddresses() && len(types.NormalizeAddresses(e.Addresses)) == 0 {
		return fmt.Errorf("%w: %s for %s/%s has no addresses", ErrMalformedEvent, e.Kind, e.ServiceType, e.InstanceID)
	}
	return nil
}

// Instance returns the service instance the event describes, addresses normalised.
func (e Event) Instance() types.ServiceInstance {
	return types.ServiceInstance{
		InstanceID:  e.InstanceID,
		ServiceType: e.ServiceType,
		Addresses:   types.NormalizeAddresses(e.Addresses),
	}
}

// LogAttrs returns the key/value pairs used when logging the event.
func (e Event) LogAttrs() []any {
	return []any{
		"kind", e.Kind.String(),
		"serviceType", e.ServiceType.String(),
		"instanceId", e.InstanceID.String(),
		"eventId", e.ID.String(),
	}
}
