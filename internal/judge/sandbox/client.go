package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appErr "judgeflow/pkg/errors"
)

// ClientConfig points at an executor server.
type ClientConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Client is an Executor backed by the executor's HTTP API.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ Executor = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid sandbox endpoint: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{endpoint: strings.TrimRight(cfg.Endpoint, "/"), http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Run(ctx context.Context, cmds ...Cmd) ([]Result, error) {
	body, err := json.Marshal(runRequest{Cmd: cmds})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxRunFailed, "encode sandbox request failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxRunFailed, "build sandbox request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxUnavailable, "sandbox request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, appErr.Newf(appErr.SandboxRunFailed, "sandbox returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var results []Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxRunFailed, "decode sandbox response failed")
	}
	if len(results) != len(cmds) {
		return nil, appErr.Newf(appErr.SandboxRunFailed, "sandbox returned %d results for %d commands", len(results), len(cmds))
	}
	return results, nil
}

func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint+"/file/"+url.PathEscape(fileID), nil)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxRunFailed, "build delete request failed")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxUnavailable, "delete sandbox file failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return appErr.Newf(appErr.SandboxRunFailed, "delete sandbox file returned %s", resp.Status)
	}
	return nil
}
