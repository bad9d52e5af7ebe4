// Package ingest turns remote producers into synchronizer channel sources.
// Each configured channel is exposed as a WebSocket endpoint accepting
// stamped frames; every accepted frame is forwarded to the sinks registered
// on that channel's feed.
package ingest

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensorfuse/fusiond/internal/auth"
	"sensorfuse/fusiond/internal/logging"
	"sensorfuse/fusiond/internal/msgs"
	"sensorfuse/fusiond/internal/timesync"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

// PathPrefix is the URL prefix channel endpoints hang off.
const PathPrefix = "/ingest/"

// Always allow localhost for dev convenience.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// Options configures the ingest server.
type Options struct {
	Logger          *logging.Logger
	Channels        []string
	Keeper          *auth.TokenKeeper
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
}

// Stats summarises ingest health for monitoring endpoints.
type Stats struct {
	Connections int
	Frames      uint64
	Rejected    uint64
}

// Server owns one feed per channel and the WebSocket handler feeding them.
type Server struct {
	log          *logging.Logger
	keeper       *auth.TokenKeeper
	origins      map[string]struct{}
	maxPayload   int64
	pingInterval time.Duration
	order        []string
	feeds        map[string]*Feed

	mu          sync.Mutex
	connections int
	frames      uint64
	rejected    uint64
	closed      bool
	conns       map[*websocket.Conn]struct{}
}

// NewServer validates the channel layout and constructs the per-channel feeds.
func NewServer(opts Options) (*Server, error) {
	if len(opts.Channels) == 0 {
		return nil, errors.New("at least one ingest channel required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = 1 << 20
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, origin := range opts.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins[trimmed] = struct{}{}
		}
	}

	server := &Server{
		log:          logger,
		keeper:       opts.Keeper,
		origins:      origins,
		maxPayload:   maxPayload,
		pingInterval: pingInterval,
		order:        append([]string(nil), opts.Channels...),
		feeds:        make(map[string]*Feed, len(opts.Channels)),
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, name := range opts.Channels {
		if _, ok := server.feeds[name]; ok {
			return nil, fmt.Errorf("duplicate ingest channel %q", name)
		}
		server.feeds[name] = &Feed{name: name}
	}
	return server, nil
}

// Sources returns the channel feeds in configuration order, ready for
// Synchronizer.ConnectInputs.
func (s *Server) Sources() []timesync.Source {
	sources := make([]timesync.Source, len(s.order))
	for i, name := range s.order {
		sources[i] = s.feeds[name]
	}
	return sources
}

// Feed returns the named channel feed, or nil.
func (s *Server) Feed(name string) *Feed {
	return s.feeds[name]
}

// Stats snapshots the ingest counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Connections: s.connections, Frames: s.frames, Rejected: s.rejected}
}

// Handler serves the per-channel WebSocket endpoints under PathPrefix.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		channel := strings.TrimPrefix(r.URL.Path, PathPrefix)
		feed, ok := s.feeds[channel]
		if !ok || strings.Contains(channel, "/") {
			http.NotFound(w, r)
			return
		}

		producer := "anonymous"
		if s.keeper != nil {
			claims, err := s.keeper.Verify(bearerToken(r), channel)
			if err != nil {
				s.log.Warn("ingest auth rejected",
					logging.String("channel", channel), logging.Error(err))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			producer = claims.Producer
		}

		upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("ingest upgrade failed", logging.Error(err))
			return
		}
		s.track(conn, +1)
		go s.readPump(conn, feed, producer)
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if _, ok := localHosts[host]; ok {
		return true
	}
	if _, ok := s.origins[origin]; ok {
		return true
	}
	_, ok := s.origins[host]
	return ok
}

func (s *Server) track(conn *websocket.Conn, delta int) {
	s.mu.Lock()
	s.connections += delta
	if delta > 0 {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}

// readPump consumes frames from one producer connection until it drops.
func (s *Server) readPump(conn *websocket.Conn, feed *Feed, producer string) {
	logger := s.log.With(
		logging.String("channel", feed.name),
		logging.String("producer", producer))
	defer func() {
		s.track(conn, -1)
		_ = conn.Close()
	}()

	//1.- Keepalive: ping on a cadence, extend the read deadline on pong.
	pongWait := s.pingInterval * pongWaitMultiplier
	conn.SetReadLimit(s.maxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ingest connection closed", logging.Error(err))
			}
			return
		}
		frame, err := msgs.DecodeFrame(data)
		if err != nil {
			//2.- Malformed frames are counted and skipped; the producer keeps its connection.
			s.mu.Lock()
			s.rejected++
			s.mu.Unlock()
			logger.Warn("ingest frame rejected", logging.Error(err))
			continue
		}
		if frame.Producer == "" {
			frame.Producer = producer
		}
		s.mu.Lock()
		s.frames++
		s.mu.Unlock()
		feed.deliver(frame)
	}
}

// Close drops every live producer connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Feed is one channel's fan-out point. It implements timesync.Source.
type Feed struct {
	name string

	mu     sync.Mutex
	nextID uint64
	sinks  map[uint64]func(msg any)
}

// Name returns the channel name the feed serves.
func (f *Feed) Name() string {
	return f.name
}

// RegisterSink attaches a sink receiving every accepted frame on the channel.
func (f *Feed) RegisterSink(sink func(msg any)) (timesync.SourceHandle, error) {
	if f == nil {
		return nil, errors.New("nil feed")
	}
	if sink == nil {
		return nil, errors.New("sink must not be nil")
	}
	f.mu.Lock()
	if f.sinks == nil {
		f.sinks = make(map[uint64]func(msg any))
	}
	f.nextID++
	id := f.nextID
	f.sinks[id] = sink
	f.mu.Unlock()
	return timesync.ReleaseFunc(func() {
		f.mu.Lock()
		delete(f.sinks, id)
		f.mu.Unlock()
	}), nil
}

func (f *Feed) deliver(frame *msgs.Frame) {
	f.mu.Lock()
	sinks := make([]func(msg any), 0, len(f.sinks))
	for _, sink := range f.sinks {
		sinks = append(sinks, sink)
	}
	f.mu.Unlock()
	for _, sink := range sinks {
		sink(frame)
	}
}
