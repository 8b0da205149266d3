package types

import (
	"errors"
	"fmt"
)

// ErrUnknownServiceType is returned when a service type name is not part of the enumeration.
var ErrUnknownServiceType = errors.New("unknown service type")

// ServiceType identifies a kind of independently deployed service. The set of values is closed:
// only the package level values below exist, and two ServiceTypes are equal when their names are.
type ServiceType struct {
	name string
}

var (
	BloggingAPI = ServiceType{name: "blogging-api"}
	IdentityAPI = ServiceType{name: "identity-api"}
	EmailingAPI = ServiceType{name: "emailing-api"}
)

var allServiceTypes = []ServiceType{BloggingAPI, IdentityAPI, EmailingAPI}

// AllServiceTypes returns every known service type in declaration order.
func AllServiceTypes() []ServiceType {
	out := make([]ServiceType, len(allServiceTypes))
	copy(out, allServiceTypes)
	return out
}

// ParseServiceType resolves a name to its ServiceType.
func ParseServiceType(name string) (ServiceType, error) {
	for _, st := range allServiceTypes {
		if st.name == name {
			return st, nil
		}
	}
	return ServiceType{}, fmt.Errorf("%w: %q", ErrUnknownServiceType, name)
}

// MustParseServiceType is ParseServiceType for names known at compile time.
func MustParseServiceType(name string) ServiceType {
	st, err := ParseServiceType(name)
	if err != nil {
		panic(err)
	}
	return st
}

func (s ServiceType) String() string {
	return s.name
}

// IsZero reports whether s is the zero value, which is never a valid service type.
func (s ServiceType) IsZero() bool {
	return s.name == ""
}

func (s ServiceType) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return nil, fmt.Errorf("%w: empty", ErrUnknownServiceType)
	}
	return []byte(s.name), nil
}

func (s *ServiceType) UnmarshalText(text []byte) error {
	st, err := ParseServiceType(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
