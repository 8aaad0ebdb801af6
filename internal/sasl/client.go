// Package sasl implements the client side of the SASL handshake used
// to authenticate a data connection: mechanism negotiation, PLAIN and
// the SCRAM-SHA family.
package sasl

import (
	"errors"
	"fmt"
	"strings"
)

// Credentials supplies the username and password on demand. The
// providers are invoked when the handshake needs them, never earlier.
type Credentials struct {
	Username func() string
	Password func() string
}

// Client negotiates one authentication exchange on one connection.
type Client interface {
	// Start picks a mechanism from the server-advertised list and
	// returns it with the initial response payload.
	Start(mechs []string) (mech string, initial []byte, err error)

	// Step consumes a server challenge and produces the next response.
	Step(challenge []byte) ([]byte, error)

	// Completed reports whether the exchange has finished on the
	// client side (the server may still reject it).
	Completed() bool
}

// mechanism is one concrete exchange. The negotiator owns selection;
// the mechanism owns the payloads.
type mechanism interface {
	initial() ([]byte, error)
	step(challenge []byte) ([]byte, error)
	completed() bool
}

// ErrNoMechanism is returned when the server advertises no mechanism
// the client can perform.
var ErrNoMechanism = errors.New("sasl: no supported mechanism offered")

// mechanism preference, strongest first.
var preferred = []string{
	"SCRAM-SHA512",
	"SCRAM-SHA256",
	"SCRAM-SHA1",
	"PLAIN",
}

type negotiator struct {
	creds  Credentials
	local  string
	remote string
	active mechanism
}

// NewClient creates a negotiating client. local and remote are the
// "<ip>;<port>" endpoint identity strings of the connection; they are
// kept for channel-binding-aware mechanisms and diagnostics.
func NewClient(creds Credentials, local, remote string) Client {
	return &negotiator{creds: creds, local: local, remote: remote}
}

func (n *negotiator) Start(mechs []string) (string, []byte, error) {
	offered := make(map[string]bool, len(mechs))
	for _, m := range mechs {
		offered[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	for _, want := range preferred {
		if !offered[want] {
			continue
		}
		switch want {
		case "PLAIN":
			n.active = newPlain(n.creds)
		default:
			sc, err := newScram(want, n.creds)
			if err != nil {
				return "", nil, err
			}
			n.active = sc
		}
		resp, err := n.active.initial()
		if err != nil {
			n.active = nil
			return "", nil, err
		}
		return want, resp, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrNoMechanism, mechs)
}

func (n *negotiator) Step(challenge []byte) ([]byte, error) {
	if n.active == nil {
		return nil, errors.New("sasl: step before start")
	}
	return n.active.step(challenge)
}

func (n *negotiator) Completed() bool {
	return n.active != nil && n.active.completed()
}
