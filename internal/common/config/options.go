package config

import (
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreEtcd   = "etcd"

	BusMemory = "memory"
	BusRedis  = "redis"

	XDSImmediate = "immediate"
	XDSDebounce  = "debounce"
)

// DefaultRetryLadder is the delay between consecutive delivery attempts of one message.
var DefaultRetryLadder = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	800 * time.Millisecond,
	1000 * time.Millisecond,
}

// Options holds every process level setting of flexdisco
type Options struct {
	AdsPort       int
	AdminPort     int
	ProxyPort     int
	ListenerPorts Uint32SliceFlag
	LogLevel      LogLevelFlag

	TopologyFile string

	Store         string
	RegistryTTL   time.Duration
	SweepInterval time.Duration

	Bus          string
	RetryLadder  DurationSliceFlag
	TombstoneTTL time.Duration

	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	RedisConfigureKeyspace   bool
	RedisStreamMaxLen        int64
	EtcdEndpoints            StringSliceFlag
	EtcdDialTimeout          time.Duration
	XDSStrategy              string
	XDSDebounce              time.Duration
	ConsulBridge             bool
	ConsulAddr               string
	ConsulWaitTime           time.Duration
	MarathonBridge           bool
	MarathonAddr             string
	MarathonCredsPath        string
	MarathonPollInterval     time.Duration
	StaticInstancesFile      string
	StaticInterval           time.Duration
	IngestRate               float64
	IngestBurst              int
	ShutdownTimeout          time.Duration
	DeadLetterMemoryCapacity int
}

// DefaultOptions returns the options used when no flag overrides them
func DefaultOptions() Options {
	return Options{
		AdsPort:                  18000,
		AdminPort:                19005,
		ProxyPort:                8080,
		ListenerPorts:            Uint32SliceFlag{18080},
		LogLevel:                 LogLevelFlag(slog.LevelInfo),
		Store:                    StoreMemory,
		RegistryTTL:              30 * time.Second,
		SweepInterval:            time.Second,
		Bus:                      BusMemory,
		RetryLadder:              slices.Clone(DefaultRetryLadder),
		TombstoneTTL:             10 * time.Minute,
		RedisAddr:                "localhost:6379",
		RedisStreamMaxLen:        10000,
		EtcdEndpoints:            StringSliceFlag{"localhost:2379"},
		EtcdDialTimeout:          5 * time.Second,
		XDSStrategy:              XDSImmediate,
		XDSDebounce:              500 * time.Millisecond,
		ConsulAddr:               "localhost:8500",
		ConsulWaitTime:           10 * time.Second,
		MarathonAddr:             "http://localhost:8080",
		MarathonPollInterval:     10 * time.Second,
		StaticInterval:           10 * time.Second,
		IngestRate:               200,
		IngestBurst:              50,
		ShutdownTimeout:          5 * time.Second,
		DeadLetterMemoryCapacity: 256,
	}
}

// RegisterFlags binds every option to fs
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&o.AdsPort, "ads-port", o.AdsPort, "ADS gRPC port (0 disables the xDS server)")
	fs.IntVar(&o.AdminPort, "admin-port", o.AdminPort, "admin and lifecycle ingest HTTP port")
	fs.IntVar(&o.ProxyPort, "proxy-port", o.ProxyPort, "built-in HTTP routing engine port (0 disables it)")
	fs.Var(&o.ListenerPorts, "listener-ports", "comma-separated list of envoy listener ports (default: 18080)")
	fs.Var(&o.LogLevel, "log-level", "log level: debug, info, warn, error (default: info)")

	fs.StringVar(&o.TopologyFile, "topology", o.TopologyFile, "path to the YAML path-mapping table (required)")

	fs.StringVar(&o.Store, "store", o.Store, "registry store backend: memory, redis or etcd")
	fs.DurationVar(&o.RegistryTTL, "registry-ttl", o.RegistryTTL, "default registry entry TTL")
	fs.DurationVar(&o.SweepInterval, "sweep-interval", o.SweepInterval, "memory store expiry sweep interval")

	fs.StringVar(&o.Bus, "bus", o.Bus, "lifecycle event bus transport: memory or redis")
	fs.Var(&o.RetryLadder, "retry-ladder", "comma-separated delays between delivery attempts (default: 100ms,200ms,500ms,800ms,1s)")
	fs.DurationVar(&o.TombstoneTTL, "tombstone-ttl", o.TombstoneTTL, "how long the gateway remembers unregistered instances")

	fs.StringVar(&o.RedisAddr, "redis-addr", o.RedisAddr, "redis address (host:port)")
	fs.StringVar(&o.RedisPassword, "redis-password", o.RedisPassword, "redis password")
	fs.IntVar(&o.RedisDB, "redis-db", o.RedisDB, "redis database number")
	fs.BoolVar(&o.RedisConfigureKeyspace, "redis-configure-keyspace", o.RedisConfigureKeyspace, "enable expired keyspace notifications with CONFIG SET on start")
	fs.Int64Var(&o.RedisStreamMaxLen, "redis-stream-maxlen", o.RedisStreamMaxLen, "approximate max length of redis event streams")
	fs.Var(&o.EtcdEndpoints, "etcd-endpoints", "comma-separated etcd endpoints (default: localhost:2379)")
	fs.DurationVar(&o.EtcdDialTimeout, "etcd-dial-timeout", o.EtcdDialTimeout, "etcd dial timeout")

	fs.StringVar(&o.XDSStrategy, "xds-strategy", o.XDSStrategy, "xds push strategy: immediate or debounce")
	fs.DurationVar(&o.XDSDebounce, "xds-debounce", o.XDSDebounce, "debounce interval for the debounce xds strategy")

	fs.BoolVar(&o.ConsulBridge, "consul", o.ConsulBridge, "bridge healthy Consul catalog entries into lifecycle events")
	fs.StringVar(&o.ConsulAddr, "consul-addr", o.ConsulAddr, "consul HTTP address (host:port)")
	fs.DurationVar(&o.ConsulWaitTime, "consul-wait-time", o.ConsulWaitTime, "consul blocking query wait time")

	fs.BoolVar(&o.MarathonBridge, "marathon", o.MarathonBridge, "bridge healthy Marathon tasks into lifecycle events")
	fs.StringVar(&o.MarathonAddr, "marathon-addr", o.MarathonAddr, "marathon HTTP address")
	fs.StringVar(&o.MarathonCredsPath, "marathon-creds-path", o.MarathonCredsPath, "path to file containing marathon credentials (username:password)")
	fs.DurationVar(&o.MarathonPollInterval, "marathon-poll-interval", o.MarathonPollInterval, "interval between marathon polls")

	fs.StringVar(&o.StaticInstancesFile, "static-instances", o.StaticInstancesFile, "YAML file of instances to announce on their behalf")
	fs.DurationVar(&o.StaticInterval, "static-interval", o.StaticInterval, "heartbeat interval of static instances")

	fs.Float64Var(&o.IngestRate, "ingest-rate", o.IngestRate, "lifecycle ingest requests per second")
	fs.IntVar(&o.IngestBurst, "ingest-burst", o.IngestBurst, "lifecycle ingest burst size")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "graceful shutdown timeout")
	fs.IntVar(&o.DeadLetterMemoryCapacity, "dead-letter-capacity", o.DeadLetterMemoryCapacity, "dead letters kept in memory for the admin API")
}

// Validate reports every invalid option at once
func (o Options) Validate() error {
	var result *multierror.Error

	if o.TopologyFile == "" {
		result = multierror.Append(result, fmt.Errorf("-topology is required"))
	}
	if o.AdminPort <= 0 {
		result = multierror.Append(result, fmt.Errorf("-admin-port must be positive, got %d", o.AdminPort))
	}
	if o.AdsPort < 0 || o.ProxyPort < 0 {
		result = multierror.Append(result, fmt.Errorf("-ads-port and -proxy-port must not be negative"))
	}
	switch o.Store {
	case StoreMemory, StoreRedis:
	case StoreEtcd:
		if len(o.EtcdEndpoints) == 0 {
			result = multierror.Append(result, fmt.Errorf("-etcd-endpoints is required when -store=etcd"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown -store %q (memory, redis, etcd)", o.Store))
	}
	switch o.Bus {
	case BusMemory, BusRedis:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown -bus %q (memory, redis)", o.Bus))
	}
	if (o.Store == StoreRedis || o.Bus == BusRedis) && o.RedisAddr == "" {
		result = multierror.Append(result, fmt.Errorf("-redis-addr is required by the redis backends"))
	}
	if o.RegistryTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("-registry-ttl must be positive"))
	}
	if o.SweepInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("-sweep-interval must be positive"))
	}
	if o.TombstoneTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("-tombstone-ttl must be positive"))
	}
	switch o.XDSStrategy {
	case XDSImmediate:
	case XDSDebounce:
		if o.XDSDebounce <= 0 {
			result = multierror.Append(result, fmt.Errorf("-xds-debounce must be positive"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown -xds-strategy %q (immediate, debounce)", o.XDSStrategy))
	}
	if o.AdsPort > 0 && len(o.ListenerPorts) == 0 {
		result = multierror.Append(result, fmt.Errorf("-listener-ports needs at least one port"))
	}
	if o.ConsulBridge && o.ConsulWaitTime >= o.RegistryTTL {
		result = multierror.Append(result, fmt.Errorf("-consul-wait-time must be shorter than -registry-ttl"))
	}
	if o.MarathonBridge {
		if o.MarathonAddr == "" {
			result = multierror.Append(result, fmt.Errorf("-marathon-addr is required when -marathon is set"))
		}
		if o.MarathonPollInterval <= 0 || o.MarathonPollInterval >= o.RegistryTTL {
			result = multierror.Append(result, fmt.Errorf("-marathon-poll-interval must be positive and shorter than -registry-ttl"))
		}
	}
	if o.StaticInstancesFile != "" && (o.StaticInterval <= 0 || o.StaticInterval >= o.RegistryTTL) {
		result = multierror.Append(result, fmt.Errorf("-static-interval must be positive and shorter than -registry-ttl"))
	}
	if o.IngestRate <= 0 || o.IngestBurst <= 0 {
		result = multierror.Append(result, fmt.Errorf("-ingest-rate and -ingest-burst must be positive"))
	}

	return result.ErrorOrNil()
}
