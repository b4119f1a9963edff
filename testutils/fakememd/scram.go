package fakememd

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const scramIterations = 4096

var b64 = base64.StdEncoding

// scramSession is the server side of a single SCRAM exchange.
type scramSession struct {
	hashFn func() hash.Hash
	salt   []byte
	nonce  string

	clientFirstBare string
	serverFirst     string
}

func newScramSession(mech string) (*scramSession, error) {
	var hashFn func() hash.Hash
	switch mech {
	case "SCRAM-SHA512":
		hashFn = sha512.New
	case "SCRAM-SHA256":
		hashFn = sha256.New
	case "SCRAM-SHA1":
		hashFn = sha1.New
	default:
		return nil, fmt.Errorf("unknown mechanism: %s", mech)
	}

	salt := make([]byte, 10)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &scramSession{
		hashFn: hashFn,
		salt:   salt,
		nonce:  b64.EncodeToString(nonce),
	}, nil
}

func parseScramAttrs(msg string) map[string]string {
	attrs := make(map[string]string)
	for _, field := range strings.Split(msg, ",") {
		key, value, ok := strings.Cut(field, "=")
		if ok {
			attrs[key] = value
		}
	}
	return attrs
}

// start consumes the client-first message, returning the username and the
// server-first message.
func (s *scramSession) start(clientFirst []byte) (string, []byte, error) {
	parts := strings.SplitN(string(clientFirst), ",", 3)
	if len(parts) != 3 || parts[0] != "n" {
		return "", nil, fmt.Errorf("invalid client-first message: %q", clientFirst)
	}

	s.clientFirstBare = parts[2]
	attrs := parseScramAttrs(s.clientFirstBare)
	username, clientNonce := attrs["n"], attrs["r"]
	if username == "" || clientNonce == "" {
		return "", nil, fmt.Errorf("invalid client-first message: %q", clientFirst)
	}

	s.nonce = clientNonce + s.nonce
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.nonce, b64.EncodeToString(s.salt), scramIterations)

	return username, []byte(s.serverFirst), nil
}

func (s *scramSession) hmac(key []byte, data string) []byte {
	mac := hmac.New(s.hashFn, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

// finish verifies the client-final message against the password and
// returns the server-final message.
func (s *scramSession) finish(clientFinal []byte, password string) ([]byte, error) {
	msg := string(clientFinal)
	proofIdx := strings.LastIndex(msg, ",p=")
	if proofIdx < 0 {
		return nil, fmt.Errorf("client-final message has no proof")
	}

	withoutProof := msg[:proofIdx]
	proof, err := b64.DecodeString(msg[proofIdx+3:])
	if err != nil {
		return nil, fmt.Errorf("invalid client proof: %w", err)
	}

	if parseScramAttrs(withoutProof)["r"] != s.nonce {
		return nil, fmt.Errorf("client sent an invalid nonce")
	}

	saltedPassword := pbkdf2.Key([]byte(password), s.salt, scramIterations, s.hashFn().Size(), s.hashFn)
	authMessage := s.clientFirstBare + "," + s.serverFirst + "," + withoutProof

	clientKey := s.hmac(saltedPassword, "Client Key")
	storedKey := s.hashFn()
	storedKey.Write(clientKey)
	clientSignature := s.hmac(storedKey.Sum(nil), authMessage)

	expectedProof := make([]byte, len(clientKey))
	for i := range clientKey {
		expectedProof[i] = clientKey[i] ^ clientSignature[i]
	}

	if !hmac.Equal(proof, expectedProof) {
		return nil, fmt.Errorf("client proof did not match")
	}

	serverKey := s.hmac(saltedPassword, "Server Key")
	serverSignature := s.hmac(serverKey, authMessage)

	return []byte("v=" + b64.EncodeToString(serverSignature)), nil
}
