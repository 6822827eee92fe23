// Package rpcclient is the typed HTTP+JSON client used on both sides of the
// master<->slave control protocol (SPEC_FULL.md §4.5): the master calls a
// slave's assign/cancel/ping/drop_bucket/quit, and a slave calls the
// master's register/heartbeat/report_done/report_failed. Transport errors
// are retried with exponential backoff (teacher's sendTask pattern in
// scheduler.go, generalized with cenkalti/backoff instead of a hand-rolled
// retry loop); a non-2xx HTTP status is never retried — it means the peer
// understood the request and rejected it.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mrs/internal/rpc"
)

// Client posts JSON requests to a peer (master or slave) and decodes JSON
// responses, retrying connection-level failures.
type Client struct {
	HTTP       *http.Client
	MaxElapsed time.Duration
}

func New() *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		MaxElapsed: 15 * time.Second,
	}
}

// Call POSTs req as JSON to baseURL+route and decodes the response into
// resp. A successful HTTP round trip with a non-2xx status is returned as a
// *StatusError and is not retried; everything else (dial/timeout/EOF) is
// retried with exponential backoff up to MaxElapsed.
func (c *Client) Call(ctx context.Context, baseURL, route string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpcclient: marshal request: %w", err)
	}

	var respBody []byte
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+route, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		httpResp, err := c.HTTP.Do(httpReq)
		if err != nil {
			return err // network-level: retry
		}
		defer httpResp.Body.Close()

		b, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return err
		}
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return backoff.Permanent(&StatusError{Route: route, Status: httpResp.StatusCode, Body: string(b)})
		}
		respBody = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(respBody, resp)
}

// StatusError reports a non-2xx HTTP response from a peer — a semantic
// rejection (e.g. a slave replying "busy" would use AssignResponse.Accepted,
// not an HTTP error, so a StatusError here always indicates something
// structurally wrong with the request itself).
type StatusError struct {
	Route  string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpcclient: %s: status %d: %s", e.Route, e.Status, e.Body)
}

// Master is a typed convenience wrapper around Call for the routes a slave
// calls on the master.
type Master struct {
	Client *Client
	BaseURL string
}

func NewMaster(baseURL string) *Master {
	return &Master{Client: New(), BaseURL: baseURL}
}

func (m *Master) Register(ctx context.Context, req rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	var resp rpc.RegisterResponse
	if err := m.Client.Call(ctx, m.BaseURL, rpc.RouteRegister, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *Master) Heartbeat(ctx context.Context, req rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	var resp rpc.HeartbeatResponse
	if err := m.Client.Call(ctx, m.BaseURL, rpc.RouteHeartbeat, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *Master) ReportDone(ctx context.Context, req rpc.ReportDoneRequest) (*rpc.ReportDoneResponse, error) {
	var resp rpc.ReportDoneResponse
	if err := m.Client.Call(ctx, m.BaseURL, rpc.RouteReportDone, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *Master) ReportFailed(ctx context.Context, req rpc.ReportFailedRequest) (*rpc.ReportFailedResponse, error) {
	var resp rpc.ReportFailedResponse
	if err := m.Client.Call(ctx, m.BaseURL, rpc.RouteReportFailed, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *Master) ReportStaleInput(ctx context.Context, req rpc.ReportStaleInputRequest) (*rpc.ReportStaleInputResponse, error) {
	var resp rpc.ReportStaleInputResponse
	if err := m.Client.Call(ctx, m.BaseURL, rpc.RouteReportStaleInput, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Slave is a typed convenience wrapper around Call for the routes the
// master calls on a slave.
type Slave struct {
	Client  *Client
	BaseURL string
}

func NewSlave(baseURL string) *Slave {
	return &Slave{Client: New(), BaseURL: baseURL}
}

func (s *Slave) Assign(ctx context.Context, req rpc.AssignRequest) (*rpc.AssignResponse, error) {
	var resp rpc.AssignResponse
	if err := s.Client.Call(ctx, s.BaseURL, rpc.RouteAssign, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Slave) Cancel(ctx context.Context, req rpc.CancelRequest) error {
	return s.Client.Call(ctx, s.BaseURL, rpc.RouteCancel, req, &rpc.OKResponse{})
}

func (s *Slave) Ping(ctx context.Context) (*rpc.PingResponse, error) {
	var resp rpc.PingResponse
	if err := s.Client.Call(ctx, s.BaseURL, rpc.RoutePing, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *Slave) DropBucket(ctx context.Context, req rpc.DropBucketRequest) error {
	return s.Client.Call(ctx, s.BaseURL, rpc.RouteDropBucket, req, &rpc.OKResponse{})
}

func (s *Slave) Quit(ctx context.Context) error {
	return s.Client.Call(ctx, s.BaseURL, rpc.RouteQuit, struct{}{}, &rpc.OKResponse{})
}
