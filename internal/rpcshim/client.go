package rpcshim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loopholelabs/rbdbroker/internal/errs"
	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

// Client addresses one Peer registered behind a Shim, satisfying
// negotiator.Endpoint over HTTP. BaseURL is the shim's root
// ("http://host:port"); Path is the registered Peer path returned by
// Make.
type Client struct {
	HTTP    *http.Client
	BaseURL string
	Path    string
}

// Make calls the factory path on baseURL and returns a Client addressing
// the newly created Peer.
func Make(httpClient *http.Client, baseURL, disk, uuid string) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	body, err := json.Marshal(makeRequest{Disk: disk, UUID: uuid})
	if err != nil {
		return nil, fmt.Errorf("rpcshim: encode make request: %w", err)
	}

	resp, err := httpClient.Post(baseURL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, &errs.Transport{Op: "make", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.Transport{Op: "make", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var mr makeResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, &errs.Transport{Op: "make", Err: err}
	}

	return &Client{HTTP: httpClient, BaseURL: baseURL, Path: mr.Path}, nil
}

func (c *Client) call(operation string, args, result any) error {
	body, err := json.Marshal(rpcRequest{Operation: operation, Args: mustRawMessage(args)})
	if err != nil {
		return fmt.Errorf("rpcshim: encode %s args: %w", operation, err)
	}

	resp, err := c.HTTP.Post(c.BaseURL+c.Path, "application/json", bytes.NewReader(body))
	if err != nil {
		return &errs.Transport{Op: operation, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &errs.Transport{Op: operation, Err: fmt.Errorf("peer path %s not found", c.Path)}
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return &errs.Transport{Op: operation, Err: err}
	}

	if rr.Fault != nil {
		return faultError(rr.Fault)
	}

	if result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return fmt.Errorf("rpcshim: decode %s result: %w", operation, err)
		}
	}

	return nil
}

func faultError(f *rpcFault) error {
	switch f.Kind {
	case "minor_in_use":
		return &errs.MinorInUse{Minor: f.Minor}
	case "port_in_use":
		return &errs.PortInUse{Port: f.Port}
	case "version_mismatch":
		return &errs.VersionMismatch{Local: f.Local, Remote: f.Remote}
	default:
		return fmt.Errorf("rpcshim: remote fault: %s", f.Message)
	}
}

func mustRawMessage(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only ever called with the request arg structs defined in this
		// package, which always marshal.
		panic(err)
	}
	return raw
}

// VersionExchange implements negotiator.Endpoint.
func (c *Client) VersionExchange(theirVersion string) (string, error) {
	var version string
	err := c.call("version_exchange", versionExchangeArgs{TheirVersion: theirVersion}, &version)
	return version, err
}

// SoftAllocate implements negotiator.Endpoint.
func (c *Client) SoftAllocate() (rbdmodel.HostConfig, error) {
	var cfg rbdmodel.HostConfig
	err := c.call("soft_allocate", struct{}{}, &cfg)
	return cfg, err
}

// Start implements negotiator.Endpoint.
func (c *Client) Start(my, their rbdmodel.HostConfig) (string, error) {
	var status string
	err := c.call("start", startStopArgs{My: my, Their: their}, &status)
	return status, err
}

// Stop implements negotiator.Endpoint.
func (c *Client) Stop(my, their rbdmodel.HostConfig) (string, error) {
	var status string
	err := c.call("stop", startStopArgs{My: my, Their: their}, &status)
	return status, err
}
