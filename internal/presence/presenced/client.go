package presenced

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

// reqTimeout is how long a Client waits for the server to answer one
// request before surfacing the store as unavailable.
const reqTimeout = 10 * time.Second

// Client implements presence.Store over one websocket connection to a
// presenced server. Requests are correlated by id; change frames feed
// the local subscription fan-out. A dropped connection surfaces as
// errors from every operation — reconnecting is the caller's concern,
// covered by the matchmaker's backoff.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan Frame

	feed *presence.Feed

	done chan struct{}
	once sync.Once
}

// Dial connects to a presenced server, e.g. "ws://host:8787/ws".
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("presenced: dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Frame),
		feed:    presence.NewFeed(),
		done:    make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *Client) readPump() {
	defer c.Close()
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case OpChange:
			if f.Change != nil {
				c.feed.Publish(f.Change.toChange())
			}
		case OpResult:
			c.pendMu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.pendMu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (c *Client) request(ctx context.Context, req Frame) (Frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan Frame, 1)

	c.pendMu.Lock()
	c.pending[req.ID] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, req.ID)
		c.pendMu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return Frame{}, fmt.Errorf("presenced: write %s: %w", req.Op, err)
	}

	timer := time.NewTimer(reqTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, respErr(resp)
	case <-timer.C:
		return Frame{}, fmt.Errorf("presenced: %s timed out", req.Op)
	case <-c.done:
		return Frame{}, errors.New("presenced: connection closed")
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func respErr(resp Frame) error {
	switch resp.Err {
	case "":
		return nil
	case wireErrNotFound:
		return presence.ErrNotFound
	case wireErrConflict:
		return presence.ErrConflict
	default:
		return errors.New("presenced: " + resp.Err)
	}
}

func (c *Client) Get(ctx context.Context, id string) (presence.Record, error) {
	resp, err := c.request(ctx, Frame{Op: OpGet, Target: id})
	if err != nil {
		return presence.Record{}, err
	}
	if len(resp.Records) == 0 {
		return presence.Record{}, presence.ErrNotFound
	}
	return resp.Records[0].toRecord(), nil
}

func (c *Client) Upsert(ctx context.Context, rec presence.Record) error {
	w := toWireRecord(rec)
	_, err := c.request(ctx, Frame{Op: OpUpsert, Record: &w})
	return err
}

func (c *Client) UpdateFields(ctx context.Context, id string, f presence.Fields) error {
	_, err := c.request(ctx, Frame{Op: OpUpdate, Target: id, Fields: toWireFields(f)})
	return err
}

func (c *Client) ClaimWaiting(ctx context.Context, id string, f presence.Fields) error {
	_, err := c.request(ctx, Frame{Op: OpClaim, Target: id, Fields: toWireFields(f)})
	return err
}

func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.request(ctx, Frame{Op: OpDelete, Target: id})
	return err
}

func (c *Client) QueryWaiting(ctx context.Context, excluding string, maxAge time.Duration) ([]presence.Record, error) {
	resp, err := c.request(ctx, Frame{
		Op:       OpQueryWaiting,
		Exclude:  excluding,
		MaxAgeMS: maxAge.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return fromWireRecords(resp.Records), nil
}

func (c *Client) QueryActive(ctx context.Context, maxAge time.Duration) ([]presence.Record, error) {
	resp, err := c.request(ctx, Frame{Op: OpQueryActive, MaxAgeMS: maxAge.Milliseconds()})
	if err != nil {
		return nil, err
	}
	return fromWireRecords(resp.Records), nil
}

func fromWireRecords(ws []wireRecord) []presence.Record {
	if len(ws) == 0 {
		return nil
	}
	out := make([]presence.Record, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.toRecord())
	}
	return out
}

func (c *Client) Subscribe() (<-chan presence.Change, func()) {
	return c.feed.Subscribe()
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.feed.Close()
	})
	return c.conn.Close()
}
