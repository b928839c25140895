// Package sasl implements the client side of the SASL mechanisms used
// by the data service: PLAIN and SCRAM-SHA1/SHA256/SHA512 (RFC 5802).
package sasl

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Mechanism names as they appear on the wire.
type Mechanism string

const (
	ScramSHA512 Mechanism = "SCRAM-SHA512"
	ScramSHA256 Mechanism = "SCRAM-SHA256"
	ScramSHA1   Mechanism = "SCRAM-SHA1"
	Plain       Mechanism = "PLAIN"
)

// DefaultMechanisms is the client preference order.
var DefaultMechanisms = []Mechanism{ScramSHA512, ScramSHA256, ScramSHA1, Plain}

var (
	ErrUnknownMechanism = errors.New("sasl: unknown mechanism")
	ErrInvalidChallenge = errors.New("sasl: invalid server challenge")
	ErrServerSignature  = errors.New("sasl: server signature mismatch")
)

// SelectMechanism returns the first mechanism from prefer the server
// also offers. offered is the space-separated list from
// SASL-LIST-MECHS. An empty offered list selects the first preference.
func SelectMechanism(prefer []Mechanism, offered string) (Mechanism, bool) {
	if len(prefer) == 0 {
		prefer = DefaultMechanisms
	}
	if offered == "" {
		return prefer[0], true
	}
	names := strings.Fields(offered)
	for _, p := range prefer {
		for _, n := range names {
			if string(p) == n {
				return p, true
			}
		}
	}
	return "", false
}

type scramState int

const (
	stateInitial scramState = iota
	stateSentFirst
	stateSentFinal
	stateDone
)

// Client drives a single authentication attempt for one mechanism.
// There is no cross-mechanism fallback: a rejected mechanism fails the
// attempt.
type Client struct {
	mechanism Mechanism
	username  string
	password  string
	hashNew   func() hash.Hash

	state       scramState
	clientNonce string
	firstBare   string
	saltedPass  []byte
	authMessage string

	// nonce source, overridable in tests
	nonceFn func() (string, error)
}

// NewClient creates an authentication client for the given mechanism.
func NewClient(mechanism Mechanism, username, password string) (*Client, error) {
	c := &Client{
		mechanism: mechanism,
		username:  username,
		password:  password,
		nonceFn:   randomNonce,
	}
	switch mechanism {
	case Plain:
	case ScramSHA1:
		c.hashNew = sha1.New
	case ScramSHA256:
		c.hashNew = sha256.New
	case ScramSHA512:
		c.hashNew = sha512.New
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMechanism, mechanism)
	}
	return c, nil
}

// Mechanism returns the wire name of the mechanism in use.
func (c *Client) Mechanism() string {
	return string(c.mechanism)
}

// Start produces the initial SASL payload for SASL-AUTH.
func (c *Client) Start() ([]byte, error) {
	if c.mechanism == Plain {
		c.state = stateDone
		payload := make([]byte, 0, len(c.username)+len(c.password)+2)
		payload = append(payload, 0)
		payload = append(payload, c.username...)
		payload = append(payload, 0)
		payload = append(payload, c.password...)
		return payload, nil
	}
	nonce, err := c.nonceFn()
	if err != nil {
		return nil, err
	}
	c.clientNonce = nonce
	c.firstBare = "n=" + escapeUsername(c.username) + ",r=" + c.clientNonce
	c.state = stateSentFirst
	return []byte("n,," + c.firstBare), nil
}

// Step consumes a server challenge and produces the next payload, or
// nil when the exchange needs no further client message. For SCRAM the
// first challenge is the server-first message and yields the
// client-final payload; a subsequent challenge carries the server
// signature and is verified.
func (c *Client) Step(challenge []byte) ([]byte, error) {
	switch c.state {
	case stateSentFirst:
		return c.clientFinal(string(challenge))
	case stateSentFinal:
		if err := c.verifyServerFinal(string(challenge)); err != nil {
			return nil, err
		}
		c.state = stateDone
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unexpected challenge in state %d", ErrInvalidChallenge, c.state)
	}
}

// Done reports whether the exchange completed on the client side.
func (c *Client) Done() bool {
	return c.state == stateDone
}

func (c *Client) clientFinal(serverFirst string) ([]byte, error) {
	attrs := parseAttributes(serverFirst)
	nonce, okR := attrs["r"]
	saltB64, okS := attrs["s"]
	iterStr, okI := attrs["i"]
	if !okR || !okS || !okI {
		return nil, fmt.Errorf("%w: missing r/s/i attribute", ErrInvalidChallenge)
	}
	if !strings.HasPrefix(nonce, c.clientNonce) {
		return nil, fmt.Errorf("%w: server nonce does not extend client nonce", ErrInvalidChallenge)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad salt encoding", ErrInvalidChallenge)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return nil, fmt.Errorf("%w: bad iteration count %q", ErrInvalidChallenge, iterStr)
	}

	c.saltedPass = pbkdf2.Key([]byte(c.password), salt, iterations, c.hashNew().Size(), c.hashNew)
	clientKey := c.hmac(c.saltedPass, "Client Key")
	storedKey := c.hashSum(clientKey)

	withoutProof := "c=biws,r=" + nonce
	c.authMessage = c.firstBare + "," + serverFirst + "," + withoutProof
	clientSignature := c.hmac(storedKey, c.authMessage)

	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	c.state = stateSentFinal
	return []byte(withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)), nil
}

func (c *Client) verifyServerFinal(serverFinal string) error {
	attrs := parseAttributes(serverFinal)
	verifier, ok := attrs["v"]
	if !ok {
		return fmt.Errorf("%w: missing v attribute", ErrInvalidChallenge)
	}
	expected, err := base64.StdEncoding.DecodeString(verifier)
	if err != nil {
		return fmt.Errorf("%w: bad verifier encoding", ErrInvalidChallenge)
	}
	serverKey := c.hmac(c.saltedPass, "Server Key")
	serverSignature := c.hmac(serverKey, c.authMessage)
	if !hmac.Equal(expected, serverSignature) {
		return ErrServerSignature
	}
	return nil
}

func (c *Client) hmac(key []byte, message string) []byte {
	mac := hmac.New(c.hashNew, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

func (c *Client) hashSum(data []byte) []byte {
	h := c.hashNew()
	h.Write(data)
	return h.Sum(nil)
}

// parseAttributes splits a SCRAM message into its attr=value pairs.
// Values may contain '=', so only the first one splits.
func parseAttributes(message string) map[string]string {
	attrs := make(map[string]string)
	for _, part := range strings.Split(message, ",") {
		if k, v, found := strings.Cut(part, "="); found {
			attrs[k] = v
		}
	}
	return attrs
}

// escapeUsername applies the RFC 5802 saslname escaping.
func escapeUsername(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")
	return strings.ReplaceAll(name, ",", "=2C")
}

func randomNonce() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
