package types

import (
	"errors"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
)

var ErrNoAddresses = errors.New("service instance has no addresses")

// ServiceInstance is one running process of a service type. Membership is keyed by
// (ServiceType, InstanceID); Addresses is replaced wholesale, never patched.
type ServiceInstance struct {
	InstanceID  uuid.UUID   `json:"instanceId"`
	ServiceType ServiceType `json:"serviceType"`
	Addresses   []string    `json:"addresses"`
}

// NewServiceInstance builds an instance with normalised addresses.
func NewServiceInstance(id uuid.UUID, st ServiceType, addresses []string) (ServiceInstance, error) {
	addrs := NormalizeAddresses(addresses)
	if len(addrs) == 0 {
		return ServiceInstance{}, ErrNoAddresses
	}
	return ServiceInstance{InstanceID: id, ServiceType: st, Addresses: addrs}, nil
}

// NormalizeAddresses trims, de-duplicates and sorts addresses, dropping empty entries.
// The result order is what destination indexes are derived from.
func NormalizeAddresses(addresses []string) []string {
	set := mapset.NewThreadUnsafeSetWithSize[string](len(addresses))
	for _, a := range addresses {
		if a = strings.TrimSpace(a); a != "" {
			set.Add(a)
		}
	}
	out := set.ToSlice()
	slices.Sort(out)
	return out
}

// Equal compares identity and address sets.
func (i ServiceInstance) Equal(o ServiceInstance) bool {
	return i.InstanceID == o.InstanceID &&
		i.ServiceType == o.ServiceType &&
		slices.Equal(NormalizeAddresses(i.Addresses), NormalizeAddresses(o.Addresses))
}
