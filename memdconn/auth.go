package memdconn

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/couchbase/gocbcore/v10/scram"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type AuthMechanism string

const (
	AuthMechanismPlain       AuthMechanism = "PLAIN"
	AuthMechanismScramSha1   AuthMechanism = "SCRAM-SHA1"
	AuthMechanismScramSha256 AuthMechanism = "SCRAM-SHA256"
	AuthMechanismScramSha512 AuthMechanism = "SCRAM-SHA512"
)

func (m AuthMechanism) hashFn() (func() hash.Hash, bool) {
	switch m {
	case AuthMechanismScramSha1:
		return sha1.New, true
	case AuthMechanismScramSha256:
		return sha256.New, true
	case AuthMechanismScramSha512:
		return sha512.New, true
	}
	return nil, false
}

func (m AuthMechanism) valid() bool {
	if m == AuthMechanismPlain {
		return true
	}
	_, ok := m.hashFn()
	return ok
}

// DefaultAuthMechanisms returns the mechanisms to offer in preference order.
// PLAIN is only used when the transport is already encrypted.
func DefaultAuthMechanisms(useTLS bool) []AuthMechanism {
	if useTLS {
		return []AuthMechanism{AuthMechanismPlain}
	}

	return []AuthMechanism{
		AuthMechanismScramSha512,
		AuthMechanismScramSha256,
		AuthMechanismScramSha1,
	}
}

// Authenticate performs SASL authentication with the first mechanism from
// mechs that the server also supports.
func (c *Conn) Authenticate(ctx context.Context, username, password string, mechs []AuthMechanism) error {
	serverMechs, err := c.ListMechanisms(ctx)
	if err != nil {
		return fmt.Errorf("failed to list auth mechanisms: %w", err)
	}

	for _, mech := range mechs {
		if !slices.Contains(serverMechs, string(mech)) {
			continue
		}

		c.logger.Debug("authenticating",
			zap.String("mechanism", string(mech)),
			zap.String("username", username))

		if mech == AuthMechanismPlain {
			return c.authPlain(ctx, username, password)
		}

		hashFn, _ := mech.hashFn()
		return c.authScram(ctx, mech, hashFn, username, password)
	}

	return fmt.Errorf("%w: server offers %v", ErrNoSupportedMechanism, serverMechs)
}

func (c *Conn) authPlain(ctx context.Context, username, password string) error {
	value := make([]byte, 0, len(username)+len(password)+2)
	value = append(value, 0)
	value = append(value, username...)
	value = append(value, 0)
	value = append(value, password...)

	_, err := c.call(ctx, &memd.Packet{
		Command: memd.CmdSASLAuth,
		Key:     []byte(AuthMechanismPlain),
		Value:   value,
	})
	return err
}

func (c *Conn) authScram(
	ctx context.Context,
	mech AuthMechanism,
	hashFn func() hash.Hash,
	username, password string,
) error {
	client := scram.NewClient(hashFn, username, password)

	// client-first message
	client.Step(nil)
	if err := client.Err(); err != nil {
		return err
	}

	resp, err := c.roundTrip(ctx, &memd.Packet{
		Command: memd.CmdSASLAuth,
		Key:     []byte(mech),
		Value:   client.Out(),
	})
	if err != nil {
		return err
	}
	if resp.Status != memd.StatusAuthContinue {
		return newStatusError(resp)
	}

	// client-final message, built from the server-first message
	client.Step(resp.Value)
	if err := client.Err(); err != nil {
		return err
	}

	resp, err = c.call(ctx, &memd.Packet{
		Command: memd.CmdSASLStep,
		Key:     []byte(mech),
		Value:   client.Out(),
	})
	if err != nil {
		return err
	}

	// verify the server signature
	client.Step(resp.Value)
	if err := client.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrScramVerificationError, err)
	}

	return nil
}
