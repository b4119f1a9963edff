package fakememd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/couchbase/gocbcore/v10/memd"
	"go.uber.org/zap"
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

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

type serverClient struct {
	logger       *zap.Logger
	parentServer *Server
	conn         net.Conn
	memdConn     *memd.Conn

	authenticated  bool
	scram          *scramSession
	selectedBucket string
	features       []memd.HelloFeature
}

func newServerClient(parent *Server, conn net.Conn, logger *zap.Logger) *serverClient {
	return &serverClient{
		logger:        logger,
		parentServer:  parent,
		conn:          conn,
		memdConn:      makeBufferedMemdConn(conn),
		authenticated: parent.username == "" && parent.password == "",
	}
}

func (c *serverClient) procThread() {
	for {
		pak, _, err := c.memdConn.ReadPacket()
		if err != nil {
			if !isClosedErr(err) {
				c.logger.Warn("unexpected read error", zap.Error(err))
			}
			break
		}

		c.handlePacket(pak)
	}

	err := c.conn.Close()
	if err != nil && !isClosedErr(err) {
		c.logger.Warn("failed to close client conn", zap.Error(err))
	}

	c.parentServer.handleClientDisconnect(c)
}

func (c *serverClient) sendBasicReply(reqPak *memd.Packet, status memd.StatusCode, value []byte) {
	err := c.memdConn.WritePacket(&memd.Packet{
		Magic:   memd.CmdMagicRes,
		Command: reqPak.Command,
		Status:  status,
		Opaque:  reqPak.Opaque,
		Value:   value,
	})
	if err != nil {
		c.logger.Debug("failed to write packet", zap.Error(err))
	}
}

func (c *serverClient) sendSuccessReply(reqPak *memd.Packet, value []byte) {
	c.sendBasicReply(reqPak, memd.StatusSuccess, value)
}

func (c *serverClient) handlePacket(pak *memd.Packet) {
	if pak.Magic != memd.CmdMagicReq {
		c.logger.Debug("ignoring non-request packet")
		return
	}

	switch pak.Command {
	case memd.CmdHello:
		c.handleCmdHelloReq(pak)
		return
	case memd.CmdSASLListMechs:
		c.sendSuccessReply(pak, []byte(strings.Join(c.parentServer.mechanisms, " ")))
		return
	case memd.CmdSASLAuth:
		c.handleCmdSASLAuthReq(pak)
		return
	case memd.CmdSASLStep:
		c.handleCmdSASLStepReq(pak)
		return
	}

	if !c.authenticated {
		c.sendBasicReply(pak, memd.StatusAccessError, nil)
		return
	}

	switch pak.Command {
	case memd.CmdSelectBucket:
		c.handleCmdSelectBucketReq(pak)
	case memd.CmdGetClusterConfig:
		c.handleCmdGetClusterConfigReq(pak)
	case memd.CmdCollectionsGetManifest:
		c.handleCmdGetManifestReq(pak)
	default:
		c.sendBasicReply(pak, memd.StatusUnknownCommand, nil)
	}
}

func (c *serverClient) handleCmdHelloReq(pak *memd.Packet) {
	if len(pak.Value)%2 != 0 {
		c.sendBasicReply(pak, memd.StatusInvalidArgs, nil)
		return
	}

	c.parentServer.recordHello(string(pak.Key))

	var enabled []memd.HelloFeature
	for i := 0; i < len(pak.Value); i += 2 {
		feat := memd.HelloFeature(binary.BigEndian.Uint16(pak.Value[i:]))
		c.memdConn.EnableFeature(feat)
		enabled = append(enabled, feat)
	}
	c.features = enabled

	enabledBytes := make([]byte, len(enabled)*2)
	for featIdx, feat := range enabled {
		binary.BigEndian.PutUint16(enabledBytes[featIdx*2:], uint16(feat))
	}

	c.sendSuccessReply(pak, enabledBytes)
}

func (c *serverClient) checkCredentials(username, password string) bool {
	return username == c.parentServer.username && password == c.parentServer.password
}

func (c *serverClient) handleCmdSASLAuthReq(pak *memd.Packet) {
	mech := string(pak.Key)

	if mech == "PLAIN" {
		parts := strings.Split(string(pak.Value), "\x00")
		if len(parts) != 3 || !c.checkCredentials(parts[1], parts[2]) {
			c.sendBasicReply(pak, memd.StatusAuthError, nil)
			return
		}

		c.authenticated = true
		c.sendSuccessReply(pak, nil)
		return
	}

	scram, err := newScramSession(mech)
	if err != nil {
		c.sendBasicReply(pak, memd.StatusAuthError, nil)
		return
	}

	username, serverFirst, err := scram.start(pak.Value)
	if err != nil || username != c.parentServer.username {
		c.logger.Debug("rejecting scram start", zap.Error(err))
		c.sendBasicReply(pak, memd.StatusAuthError, nil)
		return
	}

	c.scram = scram
	c.sendBasicReply(pak, memd.StatusAuthContinue, serverFirst)
}

func (c *serverClient) handleCmdSASLStepReq(pak *memd.Packet) {
	if c.scram == nil {
		c.sendBasicReply(pak, memd.StatusAuthError, nil)
		return
	}

	scram := c.scram
	c.scram = nil

	serverFinal, err := scram.finish(pak.Value, c.parentServer.password)
	if err != nil {
		c.logger.Debug("rejecting scram step", zap.Error(err))
		c.sendBasicReply(pak, memd.StatusAuthError, nil)
		return
	}

	c.authenticated = true
	c.sendSuccessReply(pak, serverFinal)
}

func (c *serverClient) handleCmdSelectBucketReq(pak *memd.Packet) {
	bucketName := string(pak.Key)
	if _, ok := c.parentServer.bucket(bucketName); !ok {
		c.sendBasicReply(pak, memd.StatusAccessError, nil)
		return
	}

	c.selectedBucket = bucketName
	c.sendSuccessReply(pak, nil)
}

func (c *serverClient) handleCmdGetClusterConfigReq(pak *memd.Packet) {
	if c.selectedBucket == "" {
		config := c.parentServer.getGlobalConfig()
		if config == nil {
			c.sendBasicReply(pak, memd.StatusNoBucket, nil)
			return
		}

		c.sendSuccessReply(pak, config)
		return
	}

	bucket, ok := c.parentServer.bucket(c.selectedBucket)
	if !ok {
		c.sendBasicReply(pak, memd.StatusNoBucket, nil)
		return
	}

	c.sendSuccessReply(pak, bucket.config)
}

func (c *serverClient) handleCmdGetManifestReq(pak *memd.Packet) {
	bucket, ok := c.parentServer.bucket(c.selectedBucket)
	if !ok {
		c.sendBasicReply(pak, memd.StatusNoBucket, nil)
		return
	}

	if bucket.manifest == nil {
		c.sendBasicReply(pak, memd.StatusUnknownCommand, nil)
		return
	}

	c.sendSuccessReply(pak, bucket.manifest)
}
