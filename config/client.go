package config

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"
)

const defaultGatewayRefresh = 30 * time.Second

// GatewayRefresh controls how often a client re-reads the gateway list.
type GatewayRefresh struct {
	Seconds int `xml:"Seconds,attr,omitempty"`
}

// Client is the client configuration document.
type Client struct {
	XMLName        xml.Name       `xml:"ClientConfiguration"`
	SystemStore    SystemStore    `xml:"SystemStore"`
	GatewayRefresh GatewayRefresh `xml:"GatewayRefresh"`
	DeploymentID   string         `xml:"DeploymentId,attr,omitempty"`
}

// RefreshInterval returns the gateway refresh period.
func (c *Client) RefreshInterval() time.Duration {
	if c.GatewayRefresh.Seconds <= 0 {
		return defaultGatewayRefresh
	}
	return time.Duration(c.GatewayRefresh.Seconds) * time.Second
}

// ParseClient decodes a client configuration document.
func ParseClient(r io.Reader) (*Client, error) {
	var c Client
	if err := xml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse client configuration: %w", err)
	}
	return &c, nil
}

// LoadClient reads a client configuration document from path.
func LoadClient(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client configuration: %w", err)
	}
	c, err := ParseClient(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadDefaultClient reads ClientFileName from the executable's directory.
func LoadDefaultClient() (*Client, error) {
	return LoadClient(DefaultPath(ClientFileName))
}
