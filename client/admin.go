package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/xraph/fiscal/api"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/engine"
	"github.com/xraph/fiscal/workitem"
)

// ── Lanes ──

// Lanes returns the status of every lane.
func (c *Client) Lanes(ctx context.Context) ([]engine.LaneStatus, error) {
	var out []engine.LaneStatus
	return out, c.do(ctx, http.MethodGet, "/v1/lanes", nil, &out)
}

// PauseLane stops new dequeues on a lane.
func (c *Client) PauseLane(ctx context.Context, lane string) (*engine.LaneStatus, error) {
	return c.laneAction(ctx, lane, "pause")
}

// ResumeLane restarts dequeues on a lane.
func (c *Client) ResumeLane(ctx context.Context, lane string) (*engine.LaneStatus, error) {
	return c.laneAction(ctx, lane, "resume")
}

// DrainLane stops new dequeues and waits server-side for in-flight items.
func (c *Client) DrainLane(ctx context.Context, lane string) (*engine.LaneStatus, error) {
	return c.laneAction(ctx, lane, "drain")
}

func (c *Client) laneAction(ctx context.Context, lane, action string) (*engine.LaneStatus, error) {
	var out engine.LaneStatus
	if err := c.do(ctx, http.MethodPost, "/v1/lanes/"+url.PathEscape(lane)+"/"+action, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Dead letters ──

// ListOptions filters DeadLetters.
type ListOptions struct {
	Limit    int
	Offset   int
	TenantID string
	Class    string
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.TenantID != "" {
		q.Set("tenant", o.TenantID)
	}
	if o.Class != "" {
		q.Set("class", o.Class)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// DeadLetters lists dead-letter entries, newest first.
func (c *Client) DeadLetters(ctx context.Context, opts ListOptions) ([]*deadletter.Entry, error) {
	var out []*deadletter.Entry
	return out, c.do(ctx, http.MethodGet, "/v1/dlq"+opts.query(), nil, &out)
}

// DeadLetter returns one entry.
func (c *Client) DeadLetter(ctx context.Context, entryID string) (*deadletter.Entry, error) {
	var out deadletter.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/"+url.PathEscape(entryID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplayDeadLetter republishes an entry's item and returns the new item.
func (c *Client) ReplayDeadLetter(ctx context.Context, entryID string) (*workitem.WorkItem, error) {
	var out workitem.WorkItem
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(entryID)+"/replay", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteDeadLetter removes an entry.
func (c *Client) DeleteDeadLetter(ctx context.Context, entryID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/dlq/"+url.PathEscape(entryID), nil, nil)
}

// DeadLetterStats returns stored dead-letter counts.
func (c *Client) DeadLetterStats(ctx context.Context) (*api.DeadLetterStatsResponse, error) {
	var out api.DeadLetterStatsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ── Documents ──

// Document returns the current snapshot of a document.
func (c *Client) Document(ctx context.Context, accessKey string) (*document.Record, error) {
	var out document.Record
	if err := c.do(ctx, http.MethodGet, "/v1/documents/"+url.PathEscape(accessKey), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the engine's operational summary.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var out engine.Stats
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
