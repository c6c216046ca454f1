// Package verrors defines the sentinel error taxonomy shared across the
// visual streaming subsystem (recorder injection, session streaming, and
// the WebSocket fan-out layer).
package verrors

import "errors"

var (
	// ErrInjectionTimeout means the recording agent did not emit a Meta+FullSnapshot
	// pair within the injection deadline.
	ErrInjectionTimeout = errors.New("visualstream: recorder injection timed out")
	// ErrInjectionRejected means the page rejected the injected recording agent.
	ErrInjectionRejected = errors.New("visualstream: recorder injection rejected")
	// ErrInvalidEvent means a DOM event failed validation and was dropped.
	ErrInvalidEvent = errors.New("visualstream: invalid dom event")
	// ErrSessionNotFound means the session-id is unknown to the streamer manager.
	ErrSessionNotFound = errors.New("visualstream: session not found")
	// ErrInvalidSessionID means a session-id on the WS surface failed validation.
	ErrInvalidSessionID = errors.New("visualstream: invalid session id")
	// ErrBrowserNotReady means a control frame arrived before the page was controllable.
	ErrBrowserNotReady = errors.New("visualstream: browser not ready")
	// ErrExecutionFailed means a control frame's action raised on the page.
	ErrExecutionFailed = errors.New("visualstream: control action failed")
	// ErrHubUnavailable means the cross-process peer channel is not configured.
	// Callers treat this as a silent no-op; fan-out remains local.
	ErrHubUnavailable = errors.New("visualstream: peer channel unavailable")
)
