// Package static announces instances listed in a YAML file, for services that cannot speak
// the lifecycle protocol themselves.
package static

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
	"go.yaml.in/yaml/v2"
)

var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("flexdisco/static"))

type file struct {
	Instances []entry `yaml:"instances"`
}

type entry struct {
	Name        string   `yaml:"name"`
	InstanceID  string   `yaml:"instanceId"`
	ServiceType string   `yaml:"serviceType"`
	Addresses   []string `yaml:"addresses"`
}

// Load reads a static instance file:
//
//	instances:
//	  - name: legacy-blog-1
//	    serviceType: blogging-api
//	    addresses: [http://10.0.0.7:5000]
//
// An entry without instanceId gets one derived from its service type and name.
func Load(path string) ([]types.ServiceInstance, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]types.ServiceInstance, error) {
	var f file
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, fmt.Errorf("parse static instances: %w", err)
	}

	var result *multierror.Error
	seen := make(map[uuid.UUID]int, len(f.Instances))
	out := make([]types.ServiceInstance, 0, len(f.Instances))
	for i, e := range f.Instances {
		st, err := types.ParseServiceType(e.ServiceType)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %d: %w", i, err))
			continue
		}
		var id uuid.UUID
		switch {
		case e.InstanceID != "":
			if id, err = uuid.Parse(e.InstanceID); err != nil {
				result = multierror.Append(result, fmt.Errorf("instance %d: %w", i, err))
				continue
			}
		case e.Name != "":
			id = uuid.NewSHA1(instanceNamespace, []byte(st.String()+"/"+e.Name))
		default:
			result = multierror.Append(result, fmt.Errorf("instance %d: name or instanceId is required", i))
			continue
		}
		if prev, dup := seen[id]; dup {
			result = multierror.Append(result, fmt.Errorf("instance %d: same id as instance %d", i, prev))
			continue
		}
		seen[id] = i
		inst, err := types.NewServiceInstance(id, st, e.Addresses)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %d: %w", i, err))
			continue
		}
		out = append(out, inst)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

// Announcer heartbeats a fixed set of instances. They are never stopped: once the announcer
// goes away they expire with their TTL.
type Announcer struct {
	instances []types.ServiceInstance
	pub       bus.Publisher
	interval  time.Duration
	clock     clockwork.Clock
}

func NewAnnouncer(instances []types.ServiceInstance, pub bus.Publisher, interval time.Duration, clock clockwork.Clock) *Announcer {
	return &Announcer{instances: instances, pub: pub, interval: interval, clock: clock}
}

// Run heartbeats every instance now and then every interval until ctx is done
func (a *Announcer) Run(ctx context.Context) error {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	slog.Info("Announcing static instances", "count", len(a.instances), "interval", a.interval)
	for {
		now := a.clock.Now()
		for _, inst := range a.instances {
			if err := a.pub.Publish(ctx, bus.TopicLifecycle, events.Heartbeat(inst, now)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Warn("Static heartbeat failed", "instanceId", inst.InstanceID, "serviceType", inst.ServiceType, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}
