// Package config contains the configuration for inspecting a node's status.
package config

import (
	"fmt"
	"net/url"

	"github.com/spf13/pflag"
)

type NodeConfig struct {
	// URL is the node admin URL.
	URL string `json:"url" yaml:"url"`
}

func (c *NodeConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing url")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url: unsupported scheme: %s", u.Scheme)
	}
	return nil
}

type Config struct {
	Node NodeConfig `json:"node" yaml:"node"`
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Node.URL,
		"node.url",
		"http://localhost:8002",
		`
Node admin URL. This URL should point to the node admin address, which is
disabled unless the node is started with '--admin.bind-addr'.`,
	)
}

// URL returns the parsed node URL. The config must be validated first.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.Node.URL)
	return u
}
