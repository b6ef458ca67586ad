// Package config loads the cluster configuration documents a node and its
// clients read at startup.
//
// Both documents are XML. When no configuration is supplied programmatically
// they are read from fixed file names next to the running executable:
// SiloConfiguration.xml for nodes and ClientConfiguration.xml for clients.
package config

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ClusterFileName is the node configuration file name.
	ClusterFileName = "SiloConfiguration.xml"
	// ClientFileName is the client configuration file name.
	ClientFileName = "ClientConfiguration.xml"

	// DevelopmentStorage is the connection string that selects the local
	// storage emulator.
	DevelopmentStorage = "UseDevelopmentStorage=true"

	// ProviderSQLTable keeps membership or reminders in a SQL table in the
	// data connection string's database.
	ProviderSQLTable = "SqlTable"
)

var (
	// ErrNoConnectionString indicates the system store has no data connection string.
	ErrNoConnectionString = errors.New("no data connection string configured")
	// ErrUnsupportedProvider indicates a liveness or reminder provider the
	// node runtime cannot back.
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// SystemStore names the storage that backs cluster membership and reminders.
type SystemStore struct {
	DataConnectionString string `xml:"DataConnectionString,attr"`
	LivenessType         string `xml:"LivenessType,attr,omitempty"`
	ReminderServiceType  string `xml:"ReminderServiceType,attr,omitempty"`
}

// Liveness returns the membership provider, defaulting to a SQL table.
func (s SystemStore) Liveness() string {
	if s.LivenessType == "" {
		return ProviderSQLTable
	}
	return s.LivenessType
}

// Reminders returns the reminder provider, defaulting to a SQL table.
func (s SystemStore) Reminders() string {
	if s.ReminderServiceType == "" {
		return ProviderSQLTable
	}
	return s.ReminderServiceType
}

// Globals holds cluster-wide settings.
type Globals struct {
	SystemStore SystemStore `xml:"SystemStore"`
	// DeploymentID is overwritten by the host with the derived deployment
	// identity; it is kept so a written document round-trips.
	DeploymentID string `xml:"DeploymentId,attr,omitempty"`
}

// Tracing holds per-node log settings.
type Tracing struct {
	DefaultTraceLevel string `xml:"DefaultTraceLevel,attr,omitempty"`
}

// Limits holds per-node runtime limits.
type Limits struct {
	// ShutdownTimeout is a Go duration string bounding graceful shutdown.
	ShutdownTimeout string `xml:"ShutdownTimeout,attr,omitempty"`
}

// Defaults holds settings applied to every node unless overridden.
type Defaults struct {
	Tracing Tracing `xml:"Tracing"`
	Limits  Limits  `xml:"Limits"`
}

// Cluster is the node configuration document.
type Cluster struct {
	XMLName  xml.Name `xml:"OrleansConfiguration"`
	Globals  Globals  `xml:"Globals"`
	Defaults Defaults `xml:"Defaults"`
}

// DataConnectionString returns the system store connection string.
func (c *Cluster) DataConnectionString() string {
	return strings.TrimSpace(c.Globals.SystemStore.DataConnectionString)
}

// String renders the configuration as indented XML for logging.
func (c *Cluster) String() string {
	data, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("<invalid configuration: %v>", err)
	}
	return string(data)
}

// ParseCluster decodes a node configuration document.
func ParseCluster(r io.Reader) (*Cluster, error) {
	var c Cluster
	if err := xml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse cluster configuration: %w", err)
	}
	return &c, nil
}

// LoadCluster reads a node configuration document from path.
func LoadCluster(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster configuration: %w", err)
	}
	c, err := ParseCluster(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadDefaultCluster reads ClusterFileName from the executable's directory.
func LoadDefaultCluster() (*Cluster, error) {
	return LoadCluster(DefaultPath(ClusterFileName))
}

// DefaultPath returns name resolved against the running executable's
// directory, falling back to the working directory.
func DefaultPath(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Join(filepath.Dir(exe), name)
}
