package fabric

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"fabrichost"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	defaultRetryInitial  = time.Second
	defaultRetryMax      = 30 * time.Second
	defaultRetryAttempts = 5
)

// Manifest describes an application for the local platform.
type Manifest struct {
	Application string        `yaml:"application"`
	Node        NodeSpec      `yaml:"node"`
	Services    []ServiceSpec `yaml:"services"`
	Retry       RetrySpec     `yaml:"retry"`
}

// NodeSpec is the single node the local platform places instances on.
type NodeSpec struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
}

// ServiceSpec is one stateless service of the application.
type ServiceSpec struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	InitData  string            `yaml:"init_data,omitempty"`
	Partition PartitionSpec     `yaml:"partition"`
	Endpoints map[string]uint16 `yaml:"endpoints"`
	// Config maps package name to section name to settings.
	Config map[string]map[string]map[string]string `yaml:"config,omitempty"`
}

// PartitionSpec selects the partition a service's instance serves.
type PartitionSpec struct {
	Kind string `yaml:"kind"`
	Key  string `yaml:"key,omitempty"`
	// ID overrides the partition id. By default it is derived from the
	// service locator so it is stable across restarts.
	ID string `yaml:"id,omitempty"`
}

// RetrySpec bounds how the platform re-places a faulted instance.
type RetrySpec struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest, applies defaults and validates it.
// Unknown fields are rejected.
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty manifest")
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Node.Host == "" {
		m.Node.Host = "localhost"
	}
	if m.Node.Name == "" {
		m.Node.Name = m.Node.Host
	}
	if m.Retry.InitialInterval <= 0 {
		m.Retry.InitialInterval = defaultRetryInitial
	}
	if m.Retry.MaxInterval <= 0 {
		m.Retry.MaxInterval = defaultRetryMax
	}
	if m.Retry.MaxAttempts <= 0 {
		m.Retry.MaxAttempts = defaultRetryAttempts
	}
}

// Validate checks the manifest for missing names, duplicate services and
// malformed partitions.
func (m *Manifest) Validate() error {
	var errs []error
	if strings.TrimSpace(m.Application) == "" {
		errs = append(errs, errors.New("application name is required"))
	}
	if len(m.Services) == 0 {
		errs = append(errs, errors.New("at least one service is required"))
	}
	seen := make(map[string]struct{}, len(m.Services))
	for i, svc := range m.Services {
		if strings.TrimSpace(svc.Name) == "" {
			errs = append(errs, fmt.Errorf("service %d: name is required", i))
			continue
		}
		if _, dup := seen[svc.Name]; dup {
			errs = append(errs, fmt.Errorf("service %q: duplicate name", svc.Name))
		}
		seen[svc.Name] = struct{}{}
		if strings.TrimSpace(svc.Type) == "" {
			errs = append(errs, fmt.Errorf("service %q: type is required", svc.Name))
		}
		if _, err := svc.Partition.Value(); err != nil {
			errs = append(errs, fmt.Errorf("service %q: %w", svc.Name, err))
		}
		if svc.Partition.ID != "" {
			if _, err := uuid.Parse(svc.Partition.ID); err != nil {
				errs = append(errs, fmt.Errorf("service %q: partition id: %w", svc.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Service returns the service with the given name.
func (m *Manifest) Service(name string) (ServiceSpec, bool) {
	for _, svc := range m.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceSpec{}, false
}

// Locator returns the service's address within the application, for example
// fabric:/App/Silo.
func (m *Manifest) Locator(svc ServiceSpec) *url.URL {
	return &url.URL{Scheme: "fabric", Path: "/" + m.Application + "/" + svc.Name, OmitHost: true}
}

// PartitionID returns the configured partition id or one derived from the
// service locator.
func (m *Manifest) PartitionID(svc ServiceSpec) uuid.UUID {
	if id, err := uuid.Parse(svc.Partition.ID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(m.Locator(svc).String()))
}

// DeploymentID returns the deployment identity nodes of svc join under.
func (m *Manifest) DeploymentID(svc ServiceSpec) (string, error) {
	p, err := svc.Partition.Value()
	if err != nil {
		return "", err
	}
	return fabrichost.DeriveDeploymentIdentity(m.Locator(svc), p)
}

// Value builds the partition.
func (p PartitionSpec) Value() (fabrichost.Partition, error) {
	return fabrichost.ParsePartition(p.Kind, p.Key)
}
