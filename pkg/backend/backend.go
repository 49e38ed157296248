// Package backend defines the contract between the session controller and
// the concrete media backends (framed TLS and WebRTC).
package backend

import "errors"

// State is the backend connection tri-state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns human-readable connection state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AuthKind identifies the credential shape carried by DeviceState
type AuthKind int

const (
	AuthSession AuthKind = iota
	AuthOAuth2
)

// String returns human-readable auth kind
func (k AuthKind) String() string {
	switch k {
	case AuthSession:
		return "session"
	case AuthOAuth2:
		return "oauth2"
	default:
		return "unknown"
	}
}

// DeviceState is a read-only snapshot of the device mirror's view of one
// camera. Backends receive a fresh snapshot on every Update.
type DeviceState struct {
	DeviceID             string
	Online               bool
	StreamingAllowed     bool
	AudioAllowed         bool
	EndpointHost         string
	AuthToken            string
	AuthKind             AuthKind
	LocalAccessPreferred bool
}

// Sentinel errors shared by backend implementations
var (
	// ErrNotConnected is returned by SendTalkback outside a talk-enabled state
	ErrNotConnected = errors.New("backend not connected")

	// ErrInvalidArgument is returned for malformed public-operation input
	ErrInvalidArgument = errors.New("invalid argument")
)

// Backend is the capability set every media backend implements. Connect and
// Close are idempotent and safe from any state; media arriving on the wire is
// pushed into the session's frame store by the implementation.
type Backend interface {
	// Connect opens the backend if it is not already open or opening
	Connect()

	// Close tears the backend down. When stopStreamFirst is set a clean
	// stop message is sent before the transport is destroyed.
	Close(stopStreamFirst bool)

	// Update delivers a fresh device state snapshot (credentials, host)
	Update(state DeviceState)

	// SendTalkback routes one chunk of return audio to the remote device.
	// A zero-length chunk is the caller's end-of-utterance convention.
	SendTalkback(data []byte) error

	// State reports the connection tri-state
	State() State
}
