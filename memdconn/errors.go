package memdconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbtopology/topology"
)

var (
	ErrClosed                 = topology.ErrConnectionClosed
	ErrNoSupportedMechanism   = errors.New("no supported authentication mechanism")
	ErrScramVerificationError = errors.New("scram server signature verification failed")
	ErrInvalidResponse        = errors.New("invalid response from server")
)

// StatusError is returned when the server responds to a request with a
// non-success status.
type StatusError struct {
	Command    memd.CmdCode
	StatusCode memd.StatusCode
	Context    string
	Ref        string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s failed with status %s", e.Command.Name(), e.StatusCode.String())
	if e.Context != "" {
		msg += fmt.Sprintf(" (context: %s)", e.Context)
	}
	if e.Ref != "" {
		msg += fmt.Sprintf(" (ref: %s)", e.Ref)
	}
	return msg
}

func (e *StatusError) Status() memd.StatusCode {
	return e.StatusCode
}

type xerrorJson struct {
	Error struct {
		Context string `json:"context"`
		Ref     string `json:"ref"`
	} `json:"error"`
}

func newStatusError(pak *memd.Packet) *StatusError {
	err := &StatusError{
		Command:    pak.Command,
		StatusCode: pak.Status,
	}

	// with xerror enabled, the body of an error response may carry extra
	// context about the failure.
	if len(pak.Value) > 0 && pak.Value[0] == '{' {
		var xerr xerrorJson
		if json.Unmarshal(pak.Value, &xerr) == nil {
			err.Context = xerr.Error.Context
			err.Ref = xerr.Error.Ref
		}
	}

	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
