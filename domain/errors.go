package domain

import "errors"

// Sentinel errors shared across the client packages.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotConnected   = errors.New("channel not connected")
	ErrNoCredential   = errors.New("no credential supplied")
	ErrNoConversation = errors.New("no active conversation")
	ErrEmptyMessage   = errors.New("message body is empty")
	ErrClosed         = errors.New("connection closed")
	ErrInternal       = errors.New("internal server error")
)
