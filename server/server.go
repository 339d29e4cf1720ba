package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/db"
	"chatrelay/protocol"
	"chatrelay/relay"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Authenticator maps bearer tokens to user ids.
type Authenticator interface {
	Issue(userID int64) (string, error)
	Authenticate(ctx context.Context, token string) (int64, error)
}

type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxFrame       int
	CORSOrigins    []string
	AuthRatePerMin int
}

type Server struct {
	db       *db.DB
	engine   *relay.Engine
	auth     Authenticator
	config   *ServerConfig
	log      *zap.Logger
	sessions map[string]*Session
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	http     *http.Server
	conns    sync.WaitGroup
	closing  atomic.Bool

	// last presence published per user; absent means offline
	pmu       sync.Mutex
	announced map[int64]bool
}

// Session is one websocket. The user id is zero until the socket
// authenticates.
type Session struct {
	ID     string
	Conn   *websocket.Conn
	remote string
	userID atomic.Int64

	// gorilla allows a single concurrent writer
	wmu sync.Mutex
}

func (sess *Session) UserID() int64 { return sess.userID.Load() }

func (sess *Session) write(data []byte, timeout time.Duration) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	_ = sess.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return sess.Conn.WriteMessage(websocket.TextMessage, data)
}

func (sess *Session) ping(timeout time.Duration) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return sess.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func New(database *db.DB, engine *relay.Engine, auth Authenticator, config *ServerConfig, log *zap.Logger) *Server {
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 90 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 || config.PingInterval >= config.ReadTimeout {
		config.PingInterval = config.ReadTimeout * 9 / 10
	}
	if config.MaxFrame <= 0 {
		config.MaxFrame = 64 << 10
	}

	s := &Server{
		db:       database,
		engine:   engine,
		auth:     auth,
		config:   config,
		log:      log.Named("server"),
		sessions:  make(map[string]*Session),
		announced: make(map[int64]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origins are enforced by CORS on the REST side; socket
			// clients must present a token anyway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	engine.SetTransport(s)
	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the REST API and the socket
// endpoint.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("chatrelay server started", zap.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &Session{ID: uuid.NewString(), Conn: conn, remote: r.RemoteAddr}
	if !s.addSession(sess) {
		s.sendBye(sess, "shutting down")
		conn.Close()
		return
	}
	defer s.conns.Done()
	s.handleConnection(sess)
}

func (s *Server) handleConnection(sess *Session) {
	conn := sess.Conn
	log := s.log.With(zap.String("conn_id", sess.ID), zap.String("remote", sess.remote))
	log.Debug("client connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		s.removeSession(sess.ID)
		if sess.UserID() != 0 {
			s.detach(sess)
		}
		conn.Close()
		log.Debug("client disconnected", zap.Int64("user_id", sess.UserID()))
	}()

	// Decode enforces MaxFrame with an error frame; the read limit only
	// protects memory from frames far beyond it.
	conn.SetReadLimit(int64(s.config.MaxFrame) * 4)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	go s.pingLoop(sess, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !s.closing.Load() {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		f, err := protocol.Decode(data, s.config.MaxFrame)
		if err != nil {
			log.Debug("bad frame", zap.Error(err))
			s.sendError(sess, errorCode(err), err.Error())
			continue
		}
		s.handlePacket(sess, f)
	}
}

func (s *Server) pingLoop(sess *Session, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sess.ping(s.config.WriteTimeout); err != nil {
				s.log.Debug("ping failed, closing", zap.String("conn_id", sess.ID), zap.Error(err))
				sess.Conn.Close()
				return
			}
		}
	}
}

// Send implements relay.Transport.
func (s *Server) Send(connID string, f *protocol.Frame) error {
	sess, ok := s.getSession(connID)
	if !ok {
		return ErrUnknownConnection
	}
	return s.send(sess, f)
}

// Close implements relay.Transport.
func (s *Server) Close(connID string) error {
	sess, ok := s.getSession(connID)
	if !ok {
		return ErrUnknownConnection
	}
	return sess.Conn.Close()
}

func (s *Server) send(sess *Session, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", relay.ErrUnrecoverable, err)
	}
	return sess.write(data, s.config.WriteTimeout)
}

func (s *Server) sendError(sess *Session, code, description string) {
	if err := s.send(sess, protocol.Error(code, description)); err != nil {
		s.log.Debug("write error frame", zap.String("conn_id", sess.ID), zap.Error(err))
	}
}

func (s *Server) sendBye(sess *Session, reason string) {
	if err := s.send(sess, protocol.Bye(reason)); err != nil {
		s.log.Debug("write bye", zap.String("conn_id", sess.ID), zap.Error(err))
	}
}

// addSession registers sess and counts it towards Shutdown's wait. It refuses
// once shutdown has started.
func (s *Server) addSession(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns.Add(1)
	s.sessions[sess.ID] = sess
	return true
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) getSession(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Shutdown sends bye to every socket, closes them, stops the HTTP listener
// and waits for the connection handlers to finish their cleanup.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.closing.Store(true)
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.sendBye(sess, reason)
		sess.Conn.Close()
	}
	s.log.Info("shutting down", zap.String("reason", reason), zap.Int("sessions", len(sessions)))

	err := s.http.Shutdown(ctx)

	waited := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	s.mu.RLock()
	sockets := len(s.sessions)
	s.mu.RUnlock()

	st := s.engine.Stats()
	return "sockets=" + strconv.Itoa(sockets) +
		",connections=" + strconv.Itoa(st.Connections) +
		",users=" + strconv.Itoa(st.Users) +
		",inflight=" + strconv.Itoa(st.InFlight) +
		",terminal=" + strconv.Itoa(st.Terminal)
}
