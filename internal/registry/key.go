package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/moonkev/flexdisco/internal/common/types"
)

// KeyPrefix is the first segment of every registry key
const KeyPrefix = "services"

const keySep = ":"

var (
	// ErrMalformedKey is returned when a key in the registry namespace does not parse.
	ErrMalformedKey = errors.New("malformed registry key")
	// ErrStoreUnavailable wraps every I/O failure of a store backend. It is retryable.
	ErrStoreUnavailable = errors.New("registry store unavailable")
)

// Key returns the registry key of an instance: services:{serviceType}:{instanceId}
func Key(st types.ServiceType, id uuid.UUID) string {
	return KeyPrefix + keySep + st.String() + keySep + id.String()
}

// KeyOf is Key for an instance
func KeyOf(inst types.ServiceInstance) string {
	return Key(inst.ServiceType, inst.InstanceID)
}

// IsServiceKey reports whether key belongs to the registry namespace, whether or not it parses.
func IsServiceKey(key string) bool {
	return strings.HasPrefix(key, KeyPrefix+keySep)
}

// ParseKey is the inverse of Key
func ParseKey(key string) (types.ServiceType, uuid.UUID, error) {
	parts := strings.Split(key, keySep)
	if len(parts) != 3 || parts[0] != KeyPrefix {
		return types.ServiceType{}, uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	st, err := types.ParseServiceType(parts[1])
	if err != nil {
		return types.ServiceType{}, uuid.Nil, fmt.Errorf("%w: %q: %w", ErrMalformedKey, key, err)
	}
	id, err := uuid.Parse(parts[2])
	if err != nil || id == uuid.Nil {
		return types.ServiceType{}, uuid.Nil, fmt.Errorf("%w: %q: bad instance id", ErrMalformedKey, key)
	}
	return st, id, nil
}
