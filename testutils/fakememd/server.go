// Package fakememd implements a small in-process data service that answers
// the bootstrap commands of the memcached binary protocol.  It is used to
// exercise real connections without a cluster.
package fakememd

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

type ServerOptions struct {
	Logger *zap.Logger

	// Username and Password are the only credentials accepted.  When both
	// are empty, no authentication is required.
	Username string
	Password string

	// Mechanisms are the SASL mechanisms advertised, defaulting to PLAIN
	// and all SCRAM variants.
	Mechanisms []string

	TLSConfig *tls.Config
}

type bucketState struct {
	config   []byte
	manifest []byte
}

type Server struct {
	logger     *zap.Logger
	username   string
	password   string
	mechanisms []string
	listener   net.Listener

	lock         sync.Mutex
	globalConfig []byte
	buckets      map[string]*bucketState
	clients      map[*serverClient]struct{}
	helloKeys    []string
	closed       bool

	wg sync.WaitGroup
}

func NewServer(opts ServerOptions) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mechanisms := opts.Mechanisms
	if len(mechanisms) == 0 {
		mechanisms = []string{"PLAIN", "SCRAM-SHA1", "SCRAM-SHA256", "SCRAM-SHA512"}
	}

	var listener net.Listener
	var err error
	if opts.TLSConfig != nil {
		listener, err = tls.Listen("tcp", "127.0.0.1:0", opts.TLSConfig)
	} else {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:     logger,
		username:   opts.Username,
		password:   opts.Password,
		mechanisms: mechanisms,
		listener:   listener,
		buckets:    make(map[string]*bucketState),
		clients:    make(map[*serverClient]struct{}),
	}

	s.wg.Add(1)
	go func() {
		s.serve()
		s.wg.Done()
	}()

	return s, nil
}

func (s *Server) Host() string {
	return "127.0.0.1"
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *Server) Address() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
}

// SetGlobalConfig sets the config returned when no bucket is selected.  A
// nil config makes the server respond as a cluster without global configs.
func (s *Server) SetGlobalConfig(config []byte) {
	s.lock.Lock()
	s.globalConfig = config
	s.lock.Unlock()
}

// SetBucket creates or replaces a bucket.  A nil manifest makes the bucket
// behave as if collections were not supported.
func (s *Server) SetBucket(name string, config, manifest []byte) {
	s.lock.Lock()
	s.buckets[name] = &bucketState{
		config:   config,
		manifest: manifest,
	}
	s.lock.Unlock()
}

func (s *Server) RemoveBucket(name string) {
	s.lock.Lock()
	delete(s.buckets, name)
	s.lock.Unlock()
}

func (s *Server) bucket(name string) (*bucketState, bool) {
	s.lock.Lock()
	bucket, ok := s.buckets[name]
	s.lock.Unlock()
	return bucket, ok
}

func (s *Server) getGlobalConfig() []byte {
	s.lock.Lock()
	config := s.globalConfig
	s.lock.Unlock()
	return config
}

// HelloKeys returns the client identification keys sent in every HELLO the
// server has received.
func (s *Server) HelloKeys() []string {
	s.lock.Lock()
	keys := append([]string(nil), s.helloKeys...)
	s.lock.Unlock()
	return keys
}

func (s *Server) recordHello(key string) {
	s.lock.Lock()
	s.helloKeys = append(s.helloKeys, key)
	s.lock.Unlock()
}

// NumClients returns the number of currently connected clients.
func (s *Server) NumClients() int {
	s.lock.Lock()
	count := len(s.clients)
	s.lock.Unlock()
	return count
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("failed to accept client", zap.Error(err))
			}
			break
		}

		s.handleNewConnection(conn)
	}
}

func (s *Server) handleNewConnection(conn net.Conn) {
	client := newServerClient(s, conn, s.logger.With(
		zap.Stringer("address", conn.RemoteAddr()),
	))

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.lock.Unlock()

	s.wg.Add(1)
	go func() {
		client.procThread()
		s.wg.Done()
	}()
}

func (s *Server) handleClientDisconnect(client *serverClient) {
	s.lock.Lock()
	delete(s.clients, client)
	s.lock.Unlock()
}

// Close stops the server and disconnects every client.
func (s *Server) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*serverClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.lock.Unlock()

	err := s.listener.Close()

	for _, client := range clients {
		_ = client.conn.Close()
	}

	s.wg.Wait()
	return err
}
