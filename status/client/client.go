// Package client is a client for the node admin status API.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/andydunstall/rumour/node"
	"github.com/andydunstall/rumour/node/store"
)

type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

// Node returns the status of the node.
func (c *Client) Node() (*node.NodeStatus, error) {
	r, err := c.request("/status/node")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var status node.NodeStatus
	if err := json.NewDecoder(r).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

// Values returns the broadcast values the node has recorded.
func (c *Client) Values() ([]store.Entry, error) {
	r, err := c.request("/status/broadcast/values")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []store.Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return entries, nil
}

func (c *Client) Neighbors() (map[string][]string, error) {
	r, err := c.request("/status/neighbors")
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var neighbors map[string][]string
	if err := json.NewDecoder(r).Decode(&neighbors); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return neighbors, nil
}

func (c *Client) NodeNeighbors(nodeID string) ([]string, error) {
	r, err := c.request("/status/neighbors/" + nodeID)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var neighbors []string
	if err := json.NewDecoder(r).Decode(&neighbors); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return neighbors, nil
}

func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) request(path string) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url

	url.Path = fspath.Join(url.Path, path)

	req, err := http.NewRequest(http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, fmt.Errorf("request: bad status: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
