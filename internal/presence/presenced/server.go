package presenced

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/richmal13/chatty-pals-roulette/internal/presence"
)

var log = logging.Logger("presenced")

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent connection survives; pings go out at
	// pingPeriod, which must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; SDP blobs fit comfortably.
	maxMessageSize = 64 * 1024

	// opTimeout bounds one store operation handled for a client.
	opTimeout = 10 * time.Second
)

// Server exposes a presence.Store to remote nodes over websockets and
// serves the online-count endpoint.
type Server struct {
	store  presence.Store
	window time.Duration

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*remoteClient]struct{}

	done chan struct{}
	once sync.Once
}

type remoteClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewServer wraps store. window is the staleness window used by the
// /stats endpoint.
func NewServer(store presence.Store, window time.Duration) *Server {
	s := &Server{
		store:   store,
		window:  window,
		clients: make(map[*remoteClient]struct{}),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Participants are anonymous; there is no origin to trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	go s.broadcastLoop()
	return s
}

// Router returns the HTTP surface: /ws for nodes, /healthz and /stats
// for operators.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.serveWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/stats", s.serveStats)
	return r
}

// Close disconnects every client. The backing store is the caller's to
// close.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*remoteClient]struct{})
	s.mu.Unlock()
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	active, err := s.store.QueryActive(ctx, s.window)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	waiting := 0
	for _, rec := range active {
		if rec.Status == presence.StatusWaiting {
			waiting++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"online":  len(active),
		"waiting": waiting,
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}

	c := &remoteClient{conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Infof("node connected from %s", conn.RemoteAddr())

	go c.writePump()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
	log.Infof("node from %s disconnected", conn.RemoteAddr())
}

// readLoop handles one node's requests until the connection drops.
func (s *Server) readLoop(c *remoteClient) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var req Frame
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("read: %v", err)
			}
			return
		}
		resp := s.handle(req)
		blob, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("marshal response: %v", err)
			continue
		}
		select {
		case c.send <- blob:
		case <-s.done:
			return
		}
	}
}

// handle executes one store operation for a remote node.
func (s *Server) handle(req Frame) Frame {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	resp := Frame{Op: OpResult, ID: req.ID}
	var err error

	switch req.Op {
	case OpGet:
		var rec presence.Record
		rec, err = s.store.Get(ctx, req.Target)
		if err == nil {
			w := toWireRecord(rec)
			resp.Records = []wireRecord{w}
		}
	case OpUpsert:
		if req.Record == nil {
			err = errors.New("missing record")
			break
		}
		err = s.store.Upsert(ctx, req.Record.toRecord())
	case OpUpdate:
		err = s.store.UpdateFields(ctx, req.Target, req.Fields.toFields())
	case OpClaim:
		err = s.store.ClaimWaiting(ctx, req.Target, req.Fields.toFields())
	case OpDelete:
		err = s.store.Delete(ctx, req.Target)
	case OpQueryWaiting:
		var recs []presence.Record
		recs, err = s.store.QueryWaiting(ctx, req.Exclude, time.Duration(req.MaxAgeMS)*time.Millisecond)
		resp.Records = toWireRecords(recs)
	case OpQueryActive:
		var recs []presence.Record
		recs, err = s.store.QueryActive(ctx, time.Duration(req.MaxAgeMS)*time.Millisecond)
		resp.Records = toWireRecords(recs)
	default:
		err = errors.New("unknown op " + req.Op)
	}

	switch {
	case err == nil:
	case errors.Is(err, presence.ErrNotFound):
		resp.Err = wireErrNotFound
	case errors.Is(err, presence.ErrConflict):
		resp.Err = wireErrConflict
	default:
		log.Warnf("op %s: %v", req.Op, err)
		resp.Err = err.Error()
	}
	return resp
}

func toWireRecords(recs []presence.Record) []wireRecord {
	out := make([]wireRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, toWireRecord(r))
	}
	return out
}

// broadcastLoop forwards every store change to every connected node.
// A node that cannot keep up is disconnected rather than silently
// starved: its client will reconnect and resync from row snapshots.
func (s *Server) broadcastLoop() {
	ch, cancel := s.store.Subscribe()
	defer cancel()

	for {
		select {
		case <-s.done:
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			blob, err := json.Marshal(Frame{Op: OpChange, Change: toWireChange(change)})
			if err != nil {
				log.Errorf("marshal change: %v", err)
				continue
			}
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- blob:
				default:
					log.Warnf("slow node, dropping connection")
					delete(s.clients, c)
					c.close()
				}
			}
			s.mu.Unlock()
		}
	}
}

// close drops the connection. The send channel is never closed —
// multiple goroutines may still hold it — the pumps exit on the
// connection error instead.
func (c *remoteClient) close() {
	c.once.Do(func() { c.conn.Close() })
}

// writePump serializes all writes to one connection and keeps it alive
// with pings.
func (c *remoteClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case blob := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, blob); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
