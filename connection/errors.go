package connection

import "errors"

var (
	// ErrDisposed is returned by every operation on a disposed Session.
	ErrDisposed = errors.New("session disposed")
	// ErrAlreadyConnecting is returned by Connect while another connect is in flight.
	ErrAlreadyConnecting = errors.New("session already connecting")
	// ErrAlreadyConnected is returned by Connect while connected or paused.
	ErrAlreadyConnected = errors.New("session already connected")
	// ErrNotConnected is returned by protocol operations outside StateConnected.
	ErrNotConnected = errors.New("session not connected")
	// ErrNoTransport is returned by Connect when no transport is given or bound.
	ErrNoTransport = errors.New("no transport bound to session")
	// ErrConnectionLost wraps the cause when an established connection fails underneath.
	ErrConnectionLost = errors.New("connection lost")
	// ErrConnectAborted is returned by a Connect cancelled by Disconnect or Dispose.
	ErrConnectAborted = errors.New("connect aborted")
)
