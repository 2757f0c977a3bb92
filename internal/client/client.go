// Package client is a Go client for the conveyor REST API, used by
// conveyorctl and the integration tests.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dreamware/conveyor/internal/apierror"
	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/coordinator"
	"github.com/dreamware/conveyor/internal/gateway"
)

// Error is a non-2xx answer from the gateway.
type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *Error) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
}

func (e *Error) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func (e *Error) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

// Client talks to one coordinator replica. Reads are retried on transport
// errors and 503 answers; writes are sent once.
type Client struct {
	rest *resty.Client
}

func New(baseURL string) *Client {
	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Accept", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || resp.StatusCode() == http.StatusServiceUnavailable
		})
	return &Client{rest: rest}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx).SetError(&apierror.Body{})
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	out := &Error{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	if body, ok := resp.Error().(*apierror.Body); ok && body.ErrorCode != "" {
		out.ErrorCode = body.ErrorCode
		out.Message = body.Message
	}
	return out
}

func (c *Client) ServerInfo(ctx context.Context) (*gateway.ServerInfo, error) {
	var out gateway.ServerInfo
	if err := check(c.request(ctx).SetResult(&out).Get("/")); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConnectors(ctx context.Context) ([]string, error) {
	var out []string
	if err := check(c.request(ctx).SetResult(&out).Get("/connectors")); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateConnector(ctx context.Context, name string, config map[string]string) (*gateway.ConnectorInfo, error) {
	var out gateway.ConnectorInfo
	err := check(c.request(ctx).
		SetBody(gateway.CreateConnectorRequest{Name: name, Config: config}).
		SetResult(&out).
		Post("/connectors"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConnector(ctx context.Context, name string) (*gateway.ConnectorInfo, error) {
	var out gateway.ConnectorInfo
	err := check(c.request(ctx).SetPathParam("name", name).SetResult(&out).Get("/connectors/{name}"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetConfig(ctx context.Context, name string) (map[string]string, error) {
	var out map[string]string
	if err := check(c.request(ctx).SetPathParam("name", name).SetResult(&out).Get("/connectors/{name}/config")); err != nil {
		return nil, err
	}
	return out, nil
}

// PutConfig creates or replaces a connector and reports whether it was
// created.
func (c *Client) PutConfig(ctx context.Context, name string, config map[string]string) (*gateway.ConnectorInfo, bool, error) {
	var out gateway.ConnectorInfo
	resp, err := c.request(ctx).
		SetPathParam("name", name).
		SetBody(config).
		SetResult(&out).
		Put("/connectors/{name}/config")
	if err := check(resp, err); err != nil {
		return nil, false, err
	}
	return &out, resp.StatusCode() == http.StatusCreated, nil
}

func (c *Client) Tasks(ctx context.Context, name string) ([]gateway.TaskInfo, error) {
	var out []gateway.TaskInfo
	if err := check(c.request(ctx).SetPathParam("name", name).SetResult(&out).Get("/connectors/{name}/tasks")); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteConnector(ctx context.Context, name string) error {
	return check(c.request(ctx).SetPathParam("name", name).Delete("/connectors/{name}"))
}

func (c *Client) Status(ctx context.Context, name string) (*coordinator.ConnectorStatus, error) {
	var out coordinator.ConnectorStatus
	err := check(c.request(ctx).SetPathParam("name", name).SetResult(&out).Get("/connectors/{name}/status"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TaskStatus(ctx context.Context, id cluster.TaskID) (*cluster.TaskStatus, error) {
	var out cluster.TaskStatus
	err := check(c.request(ctx).
		SetPathParams(map[string]string{"name": id.Connector, "task": strconv.Itoa(id.Task)}).
		SetResult(&out).
		Get("/connectors/{name}/tasks/{task}/status"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Pause(ctx context.Context, name string) error {
	return check(c.request(ctx).SetPathParam("name", name).Put("/connectors/{name}/pause"))
}

func (c *Client) Resume(ctx context.Context, name string) error {
	return check(c.request(ctx).SetPathParam("name", name).Put("/connectors/{name}/resume"))
}

func (c *Client) Restart(ctx context.Context, name string) error {
	return check(c.request(ctx).SetPathParam("name", name).Post("/connectors/{name}/restart"))
}

func (c *Client) RestartTask(ctx context.Context, id cluster.TaskID) error {
	return check(c.request(ctx).
		SetPathParams(map[string]string{"name": id.Connector, "task": strconv.Itoa(id.Task)}).
		Post("/connectors/{name}/tasks/{task}/restart"))
}

func (c *Client) Plugins(ctx context.Context) ([]connector.PluginInfo, error) {
	var out []connector.PluginInfo
	if err := check(c.request(ctx).SetResult(&out).Get("/connector-plugins")); err != nil {
		return nil, err
	}
	return out, nil
}

// ClusterState returns the latest persisted cluster state.
func (c *Client) ClusterState(ctx context.Context) (*cluster.State, error) {
	var out cluster.State
	err := check(c.request(ctx).SetResult(&out).Get("/cluster/state"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Fetch reads records of a topic, mostly for inspecting test pipelines.
func (c *Client) Fetch(ctx context.Context, topic string, offset int64, max int) (*cluster.FetchResponse, error) {
	var out cluster.FetchResponse
	err := check(c.request(ctx).
		SetPathParam("topic", topic).
		SetQueryParams(map[string]string{
			"offset": strconv.FormatInt(offset, 10),
			"max":    strconv.Itoa(max),
		}).
		SetResult(&out).
		Get("/topics/{topic}/records"))
	if err != nil {
		return nil, err
	}
	return &out, nil
}
