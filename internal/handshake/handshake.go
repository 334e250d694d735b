// Package handshake establishes the session between the caller-facing host
// and the engine host.
//
// The engine host sends a single envelope carrying its protocol version and
// exactly one transferred port; the caller-facing host validates sender
// identity, origin, version, and port count before trusting the port. After
// a successful handshake the transferred port is the sole means of further
// communication, so no per-message origin checks are needed beyond this
// point.
package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/google/fledge-shim-sub000/internal/port"
	"github.com/google/fledge-shim-sub000/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	AwaitingHandshake State = iota
	Connected
	Closed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting-handshake"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Each violation carries its own sentinel so integrators can tell a
// misdeployed frame (origin), a stale build (version), and a broken
// embedder (ports) apart.
var (
	ErrOriginMismatch  = errors.New("handshake: sender origin does not match expected origin")
	ErrVersionMismatch = errors.New("handshake: protocol version does not match")
	ErrPortCount       = errors.New("handshake: expected exactly one transferred port")
	ErrChannelClosed   = errors.New("handshake: channel closed before handshake")
)

// Envelope is a window-level message observed while awaiting the handshake.
// Source identifies the sending context so unrelated messages can be
// filtered out.
type Envelope struct {
	Origin string
	Source any
	Data   []byte
	Ports  []*port.Port
}

// Listener awaits a handshake on a stream of window-level envelopes.
type Listener struct {
	envelopes      <-chan Envelope
	expectedSource any
	expectedOrigin string
	state          State
}

// NewListener creates a listener bound to the context it created: only
// envelopes whose Source is expectedSource are considered at all.
func NewListener(envelopes <-chan Envelope, expectedSource any, expectedOrigin string) *Listener {
	return &Listener{
		envelopes:      envelopes,
		expectedSource: expectedSource,
		expectedOrigin: expectedOrigin,
		state:          AwaitingHandshake,
	}
}

// State returns the listener's lifecycle state.
func (l *Listener) State() State {
	return l.state
}

// Await blocks until a handshake from the expected source arrives, then
// validates it. Envelopes from unrelated sources are ignored, not fatal.
// Any validation failure transitions the listener to Closed with a
// distinguishing error.
func (l *Listener) Await(ctx context.Context) (*port.Port, error) {
	if l.state != AwaitingHandshake {
		return nil, fmt.Errorf("handshake: await in state %s", l.state)
	}

	for {
		select {
		case <-ctx.Done():
			l.state = Closed
			return nil, ctx.Err()
		case env, ok := <-l.envelopes:
			if !ok {
				l.state = Closed
				return nil, ErrChannelClosed
			}
			if env.Source != l.expectedSource {
				continue
			}
			p, err := l.validate(env)
			if err != nil {
				l.state = Closed
				return nil, err
			}
			l.state = Connected
			return p, nil
		}
	}
}

func (l *Listener) validate(env Envelope) (*port.Port, error) {
	if env.Origin != l.expectedOrigin {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrOriginMismatch, env.Origin, l.expectedOrigin)
	}

	var payload map[string]any
	if err := sonic.Unmarshal(env.Data, &payload); err != nil {
		return nil, fmt.Errorf("%w: unparseable payload", ErrVersionMismatch)
	}
	version, ok := payload[protocol.VersionKey].(string)
	if !ok || version != protocol.Version {
		return nil, fmt.Errorf("%w: got %v, want %q", ErrVersionMismatch, payload[protocol.VersionKey], protocol.Version)
	}

	if len(env.Ports) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrPortCount, len(env.Ports))
	}
	return env.Ports[0], nil
}

// Offer performs the engine-host side: it creates an entangled pair, sends
// the version payload with one transferred endpoint, and returns the
// retained endpoint.
func Offer(envelopes chan<- Envelope, origin string, source any) (*port.Port, error) {
	data, err := sonic.Marshal(map[string]string{protocol.VersionKey: protocol.Version})
	if err != nil {
		return nil, fmt.Errorf("handshake: marshal version payload: %w", err)
	}

	retained, transferred := port.NewPair()
	envelopes <- Envelope{
		Origin: origin,
		Source: source,
		Data:   data,
		Ports:  []*port.Port{transferred},
	}
	return retained, nil
}
