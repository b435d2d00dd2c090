package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trinity-network/trinity/trwire"
)

const (
	// MessagePath is the http path peers connect to.
	MessagePath = "/trinity"

	// DefaultPingInterval is the period between websocket pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongWait is how long a ping may go unanswered before the
	// connection is dropped.
	DefaultPongWait = 5 * time.Second

	// DefaultDialTimeout bounds the websocket handshake with a peer.
	DefaultDialTimeout = 10 * time.Second

	// pingContent is the payload of our pings.
	pingContent = "are you there?"
)

// ErrServerShuttingDown is returned when a message is sent through a
// stopped server.
var ErrServerShuttingDown = errors.New("transport shutting down")

// MessageHandler receives every raw message read from a peer.
type MessageHandler interface {
	ProcessMessage(raw []byte) error
}

// Config holds the parameters of a Server.
type Config struct {
	// ListenAddr is the address inbound peers connect to.
	ListenAddr string

	// Handler receives inbound messages.
	Handler MessageHandler

	// PingInterval is the period between pings. Zero disables pings.
	PingInterval time.Duration

	// PongWait is how long a ping may go unanswered.
	PongWait time.Duration

	// DialTimeout bounds the handshake of outbound connections.
	DialTimeout time.Duration
}

// Server carries trinity messages over websockets. Inbound connections are
// accepted on the listen address and outbound ones are dialed on demand to
// the address part of the receiver's endpoint.
type Server struct {
	started sync.Once
	stopped sync.Once

	cfg *Config

	upgrader *websocket.Upgrader
	dialer   *websocket.Dialer
	listener net.Listener
	httpSrv  *http.Server

	mu sync.Mutex

	// conns holds the outbound connections by address.
	conns map[string]*conn

	// active holds every open connection.
	active map[*conn]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewServer creates a websocket transport.
func NewServer(cfg *Config) *Server {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	return &Server{
		cfg: cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		conns:  make(map[string]*conn),
		active: make(map[*conn]struct{}),
		quit:   make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting peers.
func (s *Server) Start() error {
	var err error
	s.started.Do(func() {
		s.listener, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return
		}

		mux := http.NewServeMux()
		mux.HandleFunc(MessagePath, s.handleUpgrade)
		s.httpSrv = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: s.cfg.DialTimeout,
		}

		log.Infof("Websocket transport listening on %v",
			s.listener.Addr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			err := s.httpSrv.Serve(s.listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Websocket server stopped: %v", err)
			}
		}()
	})

	return err
}

// Stop closes the listener and every connection.
func (s *Server) Stop() error {
	s.stopped.Do(func() {
		log.Info("Websocket transport shutting down...")

		close(s.quit)
		if s.httpSrv != nil {
			_ = s.httpSrv.Close()
		}

		s.mu.Lock()
		for c := range s.active {
			c.close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("Unable to upgrade connection from %v: %v",
			r.RemoteAddr, err)
		return
	}

	log.Debugf("Accepted peer connection from %v", r.RemoteAddr)

	s.serve(newConn(ws, r.RemoteAddr), false)
}

// serve runs the loops of a connection. Outbound connections are tracked so
// later sends reuse them.
func (s *Server) serve(c *conn, outbound bool) {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		c.close()

		return
	default:
	}

	s.active[c] = struct{}{}
	if outbound {
		s.conns[c.addr] = c
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.readLoop(c)
		s.dropConn(c)
	}()

	if s.cfg.PingInterval > 0 && s.cfg.PongWait > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pingLoop(c)
		}()
	}
}

func (s *Server) readLoop(c *conn) {
	defer c.close()

	if s.cfg.PingInterval > 0 && s.cfg.PongWait > 0 {
		wait := s.cfg.PingInterval + s.cfg.PongWait
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {

				log.Debugf("Connection to %v closed: %v", c.addr,
					err)
			}

			return
		}
		if msgType != websocket.BinaryMessage {
			log.Warnf("Ignoring non binary frame from %v", c.addr)
			continue
		}

		if err := s.cfg.Handler.ProcessMessage(payload); err != nil {
			log.Errorf("Unable to queue message from %v: %v",
				c.addr, err)
			return
		}
	}
}

func (s *Server) pingLoop(c *conn) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			err := c.writeControl(
				websocket.PingMessage, []byte(pingContent),
				time.Now().Add(s.cfg.PongWait),
			)
			if err != nil {
				log.Warnf("Unable to ping %v: %v", c.addr, err)
				c.close()

				return
			}

		case <-c.done:
			return

		case <-s.quit:
			return
		}
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, c)
	if s.conns[c.addr] == c {
		delete(s.conns, c.addr)
	}
}

// connect returns the outbound connection to addr, dialing it if needed.
func (s *Server) connect(addr string) (*conn, error) {
	s.mu.Lock()
	c, ok := s.conns[addr]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	url := fmt.Sprintf("ws://%s%s", addr, MessagePath)
	ws, _, err := s.dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %v: %w", addr, err)
	}

	log.Debugf("Connected to peer at %v", addr)

	c = newConn(ws, addr)
	s.serve(c, true)

	return c, nil
}

// SendMessage encodes the message and writes it to the receiver. A broken
// cached connection is replaced once.
func (s *Server) SendMessage(to trwire.Endpoint, msg trwire.Message) error {
	select {
	case <-s.quit:
		return ErrServerShuttingDown
	default:
	}

	raw, err := trwire.SerializeMessage(msg)
	if err != nil {
		return err
	}

	addr := to.Address()
	for attempt := 0; ; attempt++ {
		c, err := s.connect(addr)
		if err != nil {
			return err
		}

		err = c.write(raw)
		if err == nil {
			log.Tracef("Sent %v to %v", msg.MsgType(), to)
			return nil
		}

		c.close()
		s.dropConn(c)
		if attempt > 0 {
			return fmt.Errorf("unable to send %v to %v: %w",
				msg.MsgType(), to, err)
		}
	}
}

// conn is a websocket connection with serialized writes.
type conn struct {
	ws   *websocket.Conn
	addr string

	writeMtx sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, addr string) *conn {
	ws.SetReadLimit(trwire.MaxMsgBody + 2)

	return &conn{
		ws:   ws,
		addr: addr,
		done: make(chan struct{}),
	}
}

func (c *conn) write(raw []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

func (c *conn) writeControl(msgType int, data []byte,
	deadline time.Time) error {

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return c.ws.WriteControl(msgType, data, deadline)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
