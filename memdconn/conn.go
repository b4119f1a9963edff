package memdconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type wrappedReadWriter struct {
	*bufio.Reader
	io.Writer
}

func makeBufferedMemdConn(s io.ReadWriter) *memd.Conn {
	return memd.NewConn(wrappedReadWriter{
		Reader: bufio.NewReader(s),
		Writer: s,
	})
}

type ConnOptions struct {
	Logger     *zap.Logger
	Conn       net.Conn
	ClientName string
}

// Conn is a single connection to the data service of a node.  Requests on
// a Conn are serialized, so it is safe for concurrent use.
type Conn struct {
	logger     *zap.Logger
	conn       net.Conn
	memdConn   *memd.Conn
	clientName string
	connID     string

	lock     sync.Mutex
	opaque   uint32
	features []memd.HelloFeature

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ topology.NodeConn = (*Conn)(nil)

func NewConn(opts ConnOptions) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clientName := opts.ClientName
	if clientName == "" {
		clientName = "gocbtopology"
	}

	return &Conn{
		logger:     logger,
		conn:       opts.Conn,
		memdConn:   makeBufferedMemdConn(opts.Conn),
		clientName: clientName,
		connID:     uuid.NewString(),
	}
}

// ConnID is the identifier this connection presents to the server in its
// HELLO request.
func (c *Conn) ConnID() string {
	return c.connID
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) failLocked() {
	c.closed.Store(true)
	_ = c.conn.Close()
}

func (c *Conn) ioError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("request cancelled: %w", ctxErr)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// the socket deadline can fire just before the context notices
		return fmt.Errorf("request timed out: %w", context.DeadlineExceeded)
	}
	if isClosedErr(err) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

// roundTrip writes a request and waits for the response with the same
// opaque.  Any I/O failure leaves the stream in an unknown state, so the
// connection is closed.
func (c *Conn) roundTrip(ctx context.Context, req *memd.Packet) (*memd.Packet, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}

	deadline, _ := ctx.Deadline()
	err := c.conn.SetDeadline(deadline)
	if err != nil {
		c.failLocked()
		return nil, c.ioError(ctx, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})

	c.opaque++
	req.Magic = memd.CmdMagicReq
	req.Opaque = c.opaque

	err = c.memdConn.WritePacket(req)
	if err != nil {
		stop()
		c.failLocked()
		return nil, c.ioError(ctx, err)
	}

	for {
		resp, _, err := c.memdConn.ReadPacket()
		if err != nil {
			stop()
			c.failLocked()
			return nil, c.ioError(ctx, err)
		}

		if resp.Magic != memd.CmdMagicRes || resp.Opaque != req.Opaque {
			c.logger.Debug("ignoring unexpected packet",
				zap.Stringer("packet", memdPacketStringer{resp}))
			continue
		}

		if !stop() {
			// the cancellation moved the deadline, the connection can no
			// longer be used even though this request completed.
			c.failLocked()
		}

		return resp, nil
	}
}

func (c *Conn) call(ctx context.Context, req *memd.Packet) (*memd.Packet, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Status != memd.StatusSuccess {
		return nil, newStatusError(resp)
	}

	return resp, nil
}

type helloKeyJson struct {
	Agent  string `json:"a"`
	ConnID string `json:"i"`
}

// Hello negotiates protocol features with the server and returns the ones
// the server agreed to.
func (c *Conn) Hello(ctx context.Context, features []memd.HelloFeature) ([]memd.HelloFeature, error) {
	key, err := json.Marshal(helloKeyJson{
		Agent:  c.clientName,
		ConnID: c.connID,
	})
	if err != nil {
		return nil, err
	}

	featureBytes := make([]byte, len(features)*2)
	for featIdx, feat := range features {
		binary.BigEndian.PutUint16(featureBytes[featIdx*2:], uint16(feat))
	}

	resp, err := c.call(ctx, &memd.Packet{
		Command: memd.CmdHello,
		Key:     key,
		Value:   featureBytes,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Value)%2 != 0 {
		return nil, fmt.Errorf("%w: hello features length not divisible by 2", ErrInvalidResponse)
	}

	var enabled []memd.HelloFeature
	for i := 0; i < len(resp.Value); i += 2 {
		enabled = append(enabled, memd.HelloFeature(binary.BigEndian.Uint16(resp.Value[i:])))
	}

	c.lock.Lock()
	for _, feat := range enabled {
		c.memdConn.EnableFeature(feat)
	}
	c.features = enabled
	c.lock.Unlock()

	c.logger.Debug("hello completed", zap.Any("features", enabled))

	return enabled, nil
}

// Features returns the features enabled by the last HELLO.
func (c *Conn) Features() []memd.HelloFeature {
	c.lock.Lock()
	features := slices.Clone(c.features)
	c.lock.Unlock()
	return features
}

func (c *Conn) SelectBucket(ctx context.Context, bucketName string) error {
	_, err := c.call(ctx, &memd.Packet{
		Command: memd.CmdSelectBucket,
		Key:     []byte(bucketName),
	})
	return err
}

func (c *Conn) GetClusterConfig(ctx context.Context) ([]byte, error) {
	resp, err := c.call(ctx, &memd.Packet{
		Command: memd.CmdGetClusterConfig,
	})
	if err != nil {
		return nil, err
	}

	return resp.Value, nil
}

func (c *Conn) GetCollectionManifest(ctx context.Context) ([]byte, error) {
	resp, err := c.call(ctx, &memd.Packet{
		Command: memd.CmdCollectionsGetManifest,
	})
	if err != nil {
		return nil, err
	}

	return resp.Value, nil
}

// ListMechanisms returns the SASL mechanisms offered by the server.
func (c *Conn) ListMechanisms(ctx context.Context) ([]string, error) {
	resp, err := c.call(ctx, &memd.Packet{
		Command: memd.CmdSASLListMechs,
	})
	if err != nil {
		return nil, err
	}

	return strings.Fields(string(resp.Value)), nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		err := c.conn.Close()
		if err != nil && !isClosedErr(err) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
