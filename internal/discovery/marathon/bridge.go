// Package marathon bridges healthy Marathon tasks into lifecycle events by polling the
// Marathon apps API.
package marathon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/moonkev/flexdisco/internal/bus"
	"github.com/moonkev/flexdisco/internal/common/types"
	"github.com/moonkev/flexdisco/internal/events"
)

// ServiceTypeLabel overrides the service type derived from the app id
const ServiceTypeLabel = "flexdisco.serviceType"

var instanceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("flexdisco/marathon"))

type Config struct {
	URL                 string
	CredentialsFilePath string
	Interval            time.Duration
}

type marathonResponse struct {
	Apps []marathonApp `json:"apps"`
}

type marathonApp struct {
	ID              string                   `json:"id"`
	PortDefinitions []marathonPortDefinition `json:"portDefinitions"`
	Tasks           []marathonTask           `json:"tasks"`
	Labels          map[string]string        `json:"labels"`
}

type marathonPortDefinition struct {
	Port   int               `json:"port"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
}

type marathonTask struct {
	ID                 string                       `json:"id"`
	Host               string                       `json:"host"`
	IPAddresses        []marathonIPAddress          `json:"ipAddresses"`
	Ports              []int                        `json:"ports"`
	HealthCheckResults []marathonHealthCheckResults `json:"healthCheckResults"`
	State              string                       `json:"state"`
}

type marathonIPAddress struct {
	IPAddress string `json:"ipAddress"`
	Protocol  string `json:"protocol"`
}

type marathonHealthCheckResults struct {
	Alive bool `json:"alive"`
}

func (t *marathonTask) IsHealthy() bool {
	if t.State != "TASK_RUNNING" || len(t.HealthCheckResults) == 0 {
		return false
	}
	for _, result := range t.HealthCheckResults {
		if result.Alive {
			return true
		}
	}
	return false
}

// Bridge publishes a Heartbeat for every healthy task of an app that maps to a service type
// on each poll, and a Stopped for tasks that are gone. Interval must stay below the registry TTL.
type Bridge struct {
	http     *resty.Client
	pub      bus.Publisher
	interval time.Duration
	clock    clockwork.Clock

	known map[uuid.UUID]types.ServiceInstance
}

func NewBridge(cfg Config, pub bus.Publisher, clock clockwork.Clock) (*Bridge, error) {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.URL, "/")).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
	client.JSONUnmarshal = sonic.ConfigStd.Unmarshal

	if cfg.CredentialsFilePath != "" {
		raw, err := os.ReadFile(cfg.CredentialsFilePath)
		if err != nil {
			return nil, fmt.Errorf("read marathon credentials: %w", err)
		}
		parts := strings.SplitN(strings.TrimSpace(string(raw)), ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid credentials format in %s", cfg.CredentialsFilePath)
		}
		client.SetBasicAuth(parts[0], parts[1])
	}

	return &Bridge{
		http:     client,
		pub:      pub,
		interval: cfg.Interval,
		clock:    clock,
		known:    make(map[uuid.UUID]types.ServiceInstance),
	}, nil
}

// InstanceID is the id the bridge announces for a Marathon task
func InstanceID(taskID string) uuid.UUID {
	return uuid.NewSHA1(instanceNamespace, []byte(taskID))
}

// Run polls immediately and then every interval until ctx is done
func (b *Bridge) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	slog.Info("Starting marathon bridge", "interval", b.interval)
	for {
		if err := b.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Marathon poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("Stopping marathon bridge")
			return nil
		case <-ticker.Chan():
		}
	}
}

// Poll fetches every app with its tasks and announces them
func (b *Bridge) Poll(ctx context.Context) error {
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&marathonResponse{}).
		SetQueryParam("embed", "apps.tasks").
		Get("/v2/apps")
	if err != nil {
		return fmt.Errorf("fetch marathon apps: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("marathon API returned status %d", resp.StatusCode())
	}
	return b.reconcile(ctx, resp.Result().(*marathonResponse).Apps)
}

// reconcile announces the healthy tasks of apps and stops the instances no longer among them
func (b *Bridge) reconcile(ctx context.Context, apps []marathonApp) error {
	now := b.clock.Now()
	seen := mapset.NewThreadUnsafeSet[uuid.UUID]()

	for _, app := range apps {
		st, ok := serviceTypeOf(app)
		if !ok {
			slog.Debug("Skipping marathon app", "app", app.ID)
			continue
		}
		portIndex, scheme := httpPort(app)
		for _, task := range app.Tasks {
			if !task.IsHealthy() || portIndex >= len(task.Ports) {
				continue
			}
			addr := scheme + "://" + net.JoinHostPort(taskAddress(task), strconv.Itoa(task.Ports[portIndex]))
			inst, err := types.NewServiceInstance(InstanceID(task.ID), st, []string{addr})
			if err != nil {
				continue
			}
			seen.Add(inst.InstanceID)
			if err := b.pub.Publish(ctx, bus.TopicLifecycle, events.Heartbeat(inst, now)); err != nil {
				return fmt.Errorf("publish heartbeat: %w", err)
			}
			b.known[inst.InstanceID] = inst
		}
	}

	for id, inst := range b.known {
		if seen.Contains(id) {
			continue
		}
		if err := b.pub.Publish(ctx, bus.TopicLifecycle, events.Stopped(inst, now)); err != nil {
			return fmt.Errorf("publish stopped: %w", err)
		}
		slog.Info("Marathon task gone", "instanceId", id, "serviceType", inst.ServiceType)
		delete(b.known, id)
	}
	return nil
}

// serviceTypeOf uses the label when present, otherwise the last segment of the app id
func serviceTypeOf(app marathonApp) (types.ServiceType, bool) {
	name := app.Labels[ServiceTypeLabel]
	if name == "" {
		name = app.ID[strings.LastIndex(app.ID, "/")+1:]
	}
	st, err := types.ParseServiceType(name)
	return st, err == nil
}

// httpPort picks the port definition named http or https, else the first one
func httpPort(app marathonApp) (int, string) {
	for i, pd := range app.PortDefinitions {
		switch {
		case pd.Name == "https" || pd.Labels["scheme"] == "https":
			return i, "https"
		case pd.Name == "http":
			return i, "http"
		}
	}
	return 0, "http"
}

func taskAddress(task marathonTask) string {
	for _, ip := range task.IPAddresses {
		if ip.Protocol == "IPv4" && ip.IPAddress != "" {
			return ip.IPAddress
		}
	}
	return task.Host
}
