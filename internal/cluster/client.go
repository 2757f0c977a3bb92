package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrNoCoordinators is returned when a Client was built without endpoints.
var ErrNoCoordinators = errors.New("no coordinator endpoints configured")

// Client talks to the coordinator replicas on behalf of a node. Requests go
// to the last replica that answered; transport failures and 5xx answers move
// on to the next one. Produce is not idempotent and only moves on when the
// request provably was not applied: the connection was never established or
// the replica answered 503.
type Client struct {
	endpoints []string
	mu        sync.Mutex
	current   int
}

func NewClient(endpoints ...string) (*Client, error) {
	cleaned := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e != "" {
			cleaned = append(cleaned, e)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoCoordinators
	}
	return &Client{endpoints: cleaned}, nil
}

// Endpoints returns the configured coordinator base URLs.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// retryAny fails over on every transport error and 5xx answer.
func retryAny(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// retryUnapplied fails over only when the failed replica cannot have
// applied the request.
func retryUnapplied(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusServiceUnavailable
	}
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "dial"
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doWith(ctx, retryAny, method, path, body, out)
}

func (c *Client) doWith(ctx context.Context, failover func(error) bool, method, path string, body, out any) error {
	c.mu.Lock()
	start := c.current
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		idx := (start + i) % len(c.endpoints)
		err := DoJSON(ctx, method, c.endpoints[idx]+path, body, out)
		if err == nil {
			c.mu.Lock()
			c.current = idx
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !failover(err) {
			return err
		}
	}
	return lastErr
}

// Heartbeat reports the node's state and returns its assignment.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/cluster/heartbeat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Produce appends values to a topic.
func (c *Client) Produce(ctx context.Context, topic string, values []string) (*ProduceResponse, error) {
	var resp ProduceResponse
	path := fmt.Sprintf("/topics/%s/records", url.PathEscape(topic))
	if err := c.doWith(ctx, retryUnapplied, http.MethodPost, path, ProduceRequest{Values: values}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch reads up to max records of a topic starting at offset.
func (c *Client) Fetch(ctx context.Context, topic string, offset int64, max int) (*FetchResponse, error) {
	var resp FetchResponse
	path := fmt.Sprintf("/topics/%s/records?offset=%d&max=%d", url.PathEscape(topic), offset, max)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Offsets returns the committed offsets of a connector.
func (c *Client) Offsets(ctx context.Context, connector string) (Offsets, error) {
	var doc OffsetsDocument
	path := "/cluster/offsets/" + url.PathEscape(connector)
	if err := c.do(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return nil, err
	}
	if doc.Offsets == nil {
		doc.Offsets = Offsets{}
	}
	return doc.Offsets, nil
}

// CommitOffsets merges offsets into the connector's committed offsets.
func (c *Client) CommitOffsets(ctx context.Context, connector string, offsets Offsets) error {
	path := "/cluster/offsets/" + url.PathEscape(connector)
	return c.do(ctx, http.MethodPut, path, OffsetsDocument{Connector: connector, Offsets: offsets}, nil)
}
