package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/metrics"
	"github.com/roach88/ccmrt/internal/store"
)

// Authorizer checks request credentials. A non-nil error rejects the
// request and its message is sent back as the error string.
type Authorizer func(user, token string) error

// Server serves the record protocol from a persistent store:
//
//	POST /         one exchange per request body
//	GET  /ws       socket with callback replies and pushed changes
//	GET  /metrics  Prometheus metrics
//
// Writes and deletions are pushed to every other socket subscribed to the
// same object store.
type Server struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	auth    Authorizer
	router  chi.Router

	mu   sync.Mutex
	subs map[string]map[*peer]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerMetrics exposes m at /metrics and counts store operations.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithAuthorizer checks credentials on every request.
func WithAuthorizer(auth Authorizer) ServerOption {
	return func(s *Server) { s.auth = auth }
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewServer returns a server over st.
func NewServer(st *store.Store, opts ...ServerOption) *Server {
	s := &Server{
		store:  st,
		logger: slog.Default(),
		subs:   make(map[string]map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", s.handleExchange)
	r.Get("/ws", s.handleSocket)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.handleMessage(r.Context(), body, nil)
	out, err := ir.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func (s *Server) handleMessage(ctx context.Context, body []byte, origin *peer) ir.IRValue {
	v, err := ir.Unmarshal(body)
	if err != nil {
		return ir.IRString(fmt.Sprintf("malformed request: %v", err))
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return ir.IRString("request must be an object")
	}
	req, err := ParseRequest(obj)
	if err != nil {
		return ir.IRString(err.Error())
	}
	resp, err := s.handle(ctx, req, origin)
	if err != nil {
		s.logger.Debug("request failed", "op", req.Op, "store", req.Store, "error", err)
		return ir.IRString(err.Error())
	}
	return resp
}

// Handle executes one request and returns its response. Changes are
// pushed to every subscribed socket.
func (s *Server) Handle(ctx context.Context, req Request) (ir.IRValue, error) {
	return s.handle(ctx, req, nil)
}

// handle executes req on behalf of origin, which is nil for HTTP and
// does not receive its own change as a push.
func (s *Server) handle(ctx context.Context, req Request, origin *peer) (ir.IRValue, error) {
	if s.auth != nil {
		if err := s.auth(req.User, req.Token); err != nil {
			return nil, err
		}
	}
	db := req.DB
	if db == "" {
		db = store.DefaultDatabase
	}
	if _, err := s.store.EnsureObjectStore(ctx, db, req.Store); err != nil {
		return nil, err
	}
	s.metrics.StoreOp(string(req.Op), "server", ir.SourceDigest(ir.SourceKey(ir.O("db", db, "store", req.Store))))

	switch req.Op {
	case OpGet:
		switch arg := req.Arg.(type) {
		case nil:
			return recordList(s.store.All(ctx, db, req.Store))
		case ir.IRObject:
			return recordList(s.store.Query(ctx, db, req.Store, arg))
		default:
			if !ir.ValidKey(arg) {
				return nil, fmt.Errorf("invalid key")
			}
			rec, err := s.store.Get(ctx, db, req.Store, arg)
			if err != nil || rec == nil {
				return ir.IRNull{}, err
			}
			return rec, nil
		}

	case OpSet:
		rec := ir.CloneObject(req.Arg.(ir.IRObject))
		key, ok := rec["key"]
		if !ok {
			key = ir.GenerateKey()
			rec["key"] = key
		}
		if !ir.ValidKey(key) {
			return nil, fmt.Errorf("invalid key")
		}
		existing, err := s.store.Get(ctx, db, req.Store, key)
		if err != nil {
			return nil, err
		}
		rec = ir.Integrate(rec, existing)
		if err := s.store.Put(ctx, db, req.Store, rec); err != nil {
			return nil, err
		}
		s.broadcast(db, req.Store, rec, origin)
		return rec, nil

	case OpDel:
		if !ir.ValidKey(req.Arg) {
			return nil, fmt.Errorf("invalid key")
		}
		old, err := s.store.Delete(ctx, db, req.Store, req.Arg)
		if err != nil {
			return nil, err
		}
		if old == nil {
			return ir.IRNull{}, nil
		}
		s.broadcast(db, req.Store, req.Arg, origin)
		return old, nil
	}
	return nil, fmt.Errorf("unknown operation %q", req.Op)
}

func recordList(recs []ir.IRObject, err error) (ir.IRValue, error) {
	if err != nil {
		return nil, err
	}
	out := make(ir.IRArray, len(recs))
	for i, rec := range recs {
		out[i] = rec
	}
	return out, nil
}

// peer is one connected socket.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) send(v ir.IRValue) error {
	b, err := ir.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

func subKey(db, storeName string) string {
	return db + "\x00" + storeName
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	p := &peer{conn: conn}

	// first message: [db, store, ...datasets]
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if key, ok := parseHello(data); ok {
		s.subscribe(key, p)
		defer s.unsubscribe(key, p)
	} else {
		s.logger.Debug("socket without subscription", "hello", string(data))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var slot ir.IRValue = ir.IRNull{}
		if obj, ok := decodeObject(data); ok {
			if cb, ok := obj["callback"]; ok {
				slot = cb
			}
		}
		resp := s.handleMessage(r.Context(), data, p)
		if err := p.send(ir.IRObject{"callback": slot, "data": resp}); err != nil {
			return
		}
	}
}

func parseHello(data []byte) (string, bool) {
	v, err := ir.Unmarshal(data)
	if err != nil {
		return "", false
	}
	arr, ok := v.(ir.IRArray)
	if !ok || len(arr) < 2 {
		return "", false
	}
	db, _ := arr[0].(ir.IRString)
	st, ok := arr[1].(ir.IRString)
	if !ok || st == "" {
		return "", false
	}
	if db == "" {
		db = store.DefaultDatabase
	}
	return subKey(string(db), string(st)), true
}

func decodeObject(data []byte) (ir.IRObject, bool) {
	v, err := ir.Unmarshal(data)
	if err != nil {
		return nil, false
	}
	obj, ok := v.(ir.IRObject)
	return obj, ok
}

func (s *Server) subscribe(key string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[key] == nil {
		s.subs[key] = make(map[*peer]struct{})
	}
	s.subs[key][p] = struct{}{}
}

func (s *Server) unsubscribe(key string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[key], p)
	if len(s.subs[key]) == 0 {
		delete(s.subs, key)
	}
}

// Subscribers returns the number of sockets subscribed to an object store.
func (s *Server) Subscribers(db, storeName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[subKey(db, storeName)])
}

func (s *Server) broadcast(db, storeName string, change ir.IRValue, origin *peer) {
	s.mu.Lock()
	targets := make([]*peer, 0, len(s.subs[subKey(db, storeName)]))
	for p := range s.subs[subKey(db, storeName)] {
		if p != origin {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.send(change); err != nil {
			s.logger.Debug("push failed", "store", storeName, "error", err)
		}
	}
}
