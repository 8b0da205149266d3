// Package pathmap holds the static mapping from service types to the request paths the
// gateway exposes for them, and the TTL their registry entries carry.
package pathmap

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/moonkev/flexdisco/internal/common/config"
	"github.com/moonkev/flexdisco/internal/common/types"
	"go.yaml.in/yaml/v2"
)

// ErrUnknownServiceType is returned for service types absent from the table.
var ErrUnknownServiceType = types.ErrUnknownServiceType

// Mapping is one public path of a service and the upstream path it is rewritten to
type Mapping struct {
	Match   Pattern
	Rewrite Pattern
}

// NewMapping parses a match/rewrite pair. The rewrite may only use the match's catch-all.
func NewMapping(match, rewrite string) (Mapping, error) {
	m, err := ParsePattern(match)
	if err != nil {
		return Mapping{}, err
	}
	if rewrite == "" {
		rewrite = match
	}
	r, err := ParsePattern(rewrite)
	if err != nil {
		return Mapping{}, err
	}
	if r.catchAll != "" && r.catchAll != m.catchAll {
		return Mapping{}, fmt.Errorf("%w: rewrite %q references {**%s} which %q does not capture",
			ErrInvalidPattern, rewrite, r.catchAll, match)
	}
	return Mapping{Match: m, Rewrite: r}, nil
}

// Resolve maps a request path matched by m to its upstream path
func (m Mapping) Resolve(path string) (string, bool) {
	captured, ok := m.Match.Match(path)
	if !ok {
		return "", false
	}
	return m.Rewrite.Expand(captured), true
}

// Service is the table entry of one service type
type Service struct {
	TTL   time.Duration
	Paths []Mapping
}

// Table is immutable once built and safe for concurrent use
type Table struct {
	defaultTTL time.Duration
	services   map[types.ServiceType]Service
}

// NewTable builds a table; a service without its own TTL uses defaultTTL.
func NewTable(defaultTTL time.Duration, services map[types.ServiceType]Service) *Table {
	t := &Table{defaultTTL: defaultTTL, services: make(map[types.ServiceType]Service, len(services))}
	for st, svc := range services {
		if svc.TTL <= 0 {
			svc.TTL = defaultTTL
		}
		svc.Paths = slices.Clone(svc.Paths)
		t.services[st] = svc
	}
	return t
}

// GetMatchingPaths returns the path mappings of st in declaration order. The position of a
// mapping in this list is stable and numbers its route.
func (t *Table) GetMatchingPaths(st types.ServiceType) ([]Mapping, error) {
	svc, ok := t.services[st]
	if !ok {
		return nil, fmt.Errorf("%w: %q has no path mapping", ErrUnknownServiceType, st)
	}
	return slices.Clone(svc.Paths), nil
}

// TTL returns the registry TTL of st
func (t *Table) TTL(st types.ServiceType) time.Duration {
	if svc, ok := t.services[st]; ok {
		return svc.TTL
	}
	return t.defaultTTL
}

// ServiceTypes lists the mapped service types in enumeration order
func (t *Table) ServiceTypes() []types.ServiceType {
	var out []types.ServiceType
	for _, st := range types.AllServiceTypes() {
		if _, ok := t.services[st]; ok {
			out = append(out, st)
		}
	}
	return out
}

type fileMapping struct {
	Match   string `yaml:"match"`
	Rewrite string `yaml:"rewrite"`
}

type fileService struct {
	TTL   *config.Duration `yaml:"ttl"`
	Paths []fileMapping    `yaml:"paths"`
}

type file struct {
	DefaultTTL *config.Duration        `yaml:"defaultTTL"`
	Services   map[string]fileService `yaml:"services"`
}

// Load reads the YAML path-mapping file. fallbackTTL applies when the file sets no defaultTTL.
func Load(path string, fallbackTTL time.Duration) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw, fallbackTTL)
}

// Parse builds a table from YAML, reporting every problem at once
func Parse(raw []byte, fallbackTTL time.Duration) (*Table, error) {
	var f file
	if err := yaml.UnmarshalStrict(raw, &f); err != nil {
		return nil, fmt.Errorf("parse path mapping: %w", err)
	}

	var result *multierror.Error
	defaultTTL := fallbackTTL
	if f.DefaultTTL != nil {
		defaultTTL = f.DefaultTTL.ToDuration()
	}
	if defaultTTL <= 0 {
		result = multierror.Append(result, fmt.Errorf("defaultTTL must be positive"))
	}
	if len(f.Services) == 0 {
		result = multierror.Append(result, fmt.Errorf("no services mapped"))
	}

	services := make(map[types.ServiceType]Service, len(f.Services))
	for name, fs := range f.Services {
		st, err := types.ParseServiceType(name)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		svc := Service{TTL: fs.TTL.ToDuration()}
		if fs.TTL != nil && svc.TTL <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s: ttl must be positive", name))
		}
		if len(fs.Paths) == 0 {
			result = multierror.Append(result, fmt.Errorf("%s: no paths", name))
		}
		seen := make(map[string]bool, len(fs.Paths))
		for i, p := range fs.Paths {
			m, err := NewMapping(p.Match, p.Rewrite)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: path %d: %w", name, i+1, err))
				continue
			}
			if seen[p.Match] {
				result = multierror.Append(result, fmt.Errorf("%s: path %d: duplicate match %q", name, i+1, p.Match))
				continue
			}
			seen[p.Match] = true
			svc.Paths = append(svc.Paths, m)
		}
		services[st] = svc
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return NewTable(defaultTTL, services), nil
}
