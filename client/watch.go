package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/cascade/event"
)

var errStreamEnded = errors.New("stream ended")

// Watch streams the records of a run until its terminal record, the end
// of ctx, or a dropped connection. With WithReconnect a dropped stream is
// reopened after the last record received. The channel is closed when
// watching stops.
func (c *Client) Watch(ctx context.Context, flowName, runID string) (<-chan *event.Record, error) {
	path := "/flows/" + url.PathEscape(flowName) + "/runs/" + url.PathEscape(runID) + "/events"
	first, err := c.open(ctx, path, "")
	if err != nil {
		return nil, err
	}

	ch := make(chan *event.Record, 64)
	go func() {
		defer close(ch)
		var (
			resp   = first
			lastID string
			err    error
		)
		delay := c.baseDelay
		for attempt := 0; ; {
			lastID, err = c.read(ctx, resp, lastID, ch)
			if err == nil || !c.reconnect || ctx.Err() != nil {
				return
			}
			for {
				if attempt >= c.maxRetries {
					c.logger.Error("watch: max reconnection attempts reached", slog.String("run_id", runID))
					return
				}
				attempt++
				c.logger.Info("watch reconnecting",
					slog.String("run_id", runID),
					slog.Int("attempt", attempt),
					slog.Duration("delay", delay),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				delay = min(delay*2, 30*time.Second)
				if resp, err = c.open(ctx, path, lastID); err == nil {
					break
				}
				c.logger.Warn("watch reconnect failed", slog.String("error", err.Error()))
			}
		}
	}()
	return ch, nil
}

func (c *Client) open(ctx context.Context, path, lastID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// read forwards the records of one connection. It returns nil once the
// terminal record arrived and errStreamEnded or a read error when the
// connection ended before it.
func (c *Client) read(ctx context.Context, resp *http.Response, lastID string, ch chan<- *event.Record) (string, error) {
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var rec event.Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return lastID, fmt.Errorf("decode record: %w", err)
		}
		if rec.ID != "" {
			lastID = rec.ID
		}
		select {
		case ch <- &rec:
		case <-ctx.Done():
			return lastID, nil
		}
		if rec.Type.IsTerminal() {
			return lastID, nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return lastID, err
	}
	return lastID, errStreamEnded
}
