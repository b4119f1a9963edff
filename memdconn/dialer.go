package memdconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/couchbase/gocbtopology/topology"
	"go.uber.org/zap"
)

const DefaultConnectTimeout = 7 * time.Second

type DialerOptions struct {
	Logger         *zap.Logger
	Username       string
	Password       string
	TLSConfig      *tls.Config
	ConnectTimeout time.Duration
	ClientName     string
	AuthMechanisms []AuthMechanism
}

// Dialer opens authenticated data service connections to nodes.
type Dialer struct {
	logger         *zap.Logger
	username       string
	password       string
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	clientName     string
	authMechanisms []AuthMechanism
}

var _ topology.Connector = (*Dialer)(nil)

func NewDialer(opts DialerOptions) (*Dialer, error) {
	d := &Dialer{
		logger:         opts.Logger,
		username:       opts.Username,
		password:       opts.Password,
		tlsConfig:      opts.TLSConfig,
		connectTimeout: opts.ConnectTimeout,
		clientName:     opts.ClientName,
		authMechanisms: opts.AuthMechanisms,
	}

	err := d.init()
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Dialer) init() error {
	if d.logger == nil {
		d.logger = zap.NewNop()
	}

	if d.connectTimeout <= 0 {
		d.connectTimeout = DefaultConnectTimeout
	}

	if len(d.authMechanisms) == 0 {
		d.authMechanisms = DefaultAuthMechanisms(d.tlsConfig != nil)
	}

	for _, mech := range d.authMechanisms {
		if !mech.valid() {
			return fmt.Errorf("unsupported auth mechanism: %s", mech)
		}
	}

	return nil
}

// Connect dials the endpoint, performs the TLS handshake if configured and
// authenticates if credentials were provided.
func (d *Dialer) Connect(ctx context.Context, endpoint topology.HostEndpoint) (topology.NodeConn, error) {
	conn, err := d.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (d *Dialer) Dial(ctx context.Context, endpoint topology.HostEndpoint) (*Conn, error) {
	logger := d.logger.With(zap.Stringer("endpoint", endpoint))

	dialer := net.Dialer{
		Timeout: d.connectTimeout,
	}
	netConn, err := dialer.DialContext(ctx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	if d.tlsConfig != nil {
		tlsConfig := d.tlsConfig.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = endpoint.Host
		}

		tlsConn := tls.Client(netConn, tlsConfig)
		err = tlsConn.HandshakeContext(ctx)
		if err != nil {
			_ = netConn.Close()
			return nil, fmt.Errorf("tls handshake with %s failed: %w", endpoint, err)
		}

		netConn = tlsConn
	}

	conn := NewConn(ConnOptions{
		Logger:     logger,
		Conn:       netConn,
		ClientName: d.clientName,
	})

	if d.username != "" || d.password != "" {
		err = conn.Authenticate(ctx, d.username, d.password, d.authMechanisms)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to authenticate with %s: %w", endpoint, err)
		}
	}

	logger.Debug("connected", zap.String("connId", conn.ConnID()))

	return conn, nil
}
