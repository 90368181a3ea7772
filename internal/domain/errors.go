package domain

import "errors"

// Hub-side failures. They are reported to the originating connection as
// protocol events and never escape the connection that caused them.
var (
	ErrInvalidIdentity     = errors.New("invalid identity")
	ErrInvalidInvite       = errors.New("invalid invite")
	ErrUserNotFound        = errors.New("user not found")
	ErrSenderNotRegistered = errors.New("sender not registered")
	ErrNoTarget            = errors.New("no target specified")
	ErrSignaling           = errors.New("signaling error")
)

// Client-side failures. Everything except ErrConnectionFailed is locally
// recoverable.
var (
	ErrNotConnected     = errors.New("signaling transport not connected")
	ErrChannelNotReady  = errors.New("data channel not ready")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidState     = errors.New("operation not allowed in current state")
)

// Transport failures shared by both sides.
var (
	ErrBackpressure     = errors.New("backpressure")
	ErrConnectionClosed = errors.New("connection closed")
	ErrRateLimited      = errors.New("rate limited")
)
