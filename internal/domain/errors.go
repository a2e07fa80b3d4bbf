package domain

import "errors"

var (
	ErrAlreadyJoined        = errors.New("already joined")
	ErrPeerNotFound         = errors.New("peer not found")
	ErrRouterNotInitialized = errors.New("router not initialized")
	ErrTransportNotFound    = errors.New("transport not found")
	ErrTransportExists      = errors.New("transport already exists")
	ErrTransportConnected   = errors.New("transport already connected")
	ErrNoSendTransport      = errors.New("no send transport")
	ErrNoRecvTransport      = errors.New("no recv transport")
	ErrProducerNotFound     = errors.New("producer not found")
	ErrCannotConsume        = errors.New("cannot consume")
	ErrConsumerNotFound     = errors.New("consumer not found")
	ErrMediaEngineFault     = errors.New("media engine fault")
	ErrWorkerDied           = errors.New("media worker died")

	ErrBadRequest         = errors.New("bad request")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidSessionID   = errors.New("invalid session id")
	ErrDisplayNameTooLong = errors.New("display name too long")
)
