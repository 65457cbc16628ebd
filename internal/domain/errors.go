package domain

import "errors"

var (
	ErrProtocol             = errors.New("protocol error")
	ErrNotAuthorized        = errors.New("not authorized")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrNotInRoom            = errors.New("not in room")
	ErrRoomIDTooLong        = errors.New("room id too long")
	ErrChannelClosed        = errors.New("channel closed")
	ErrBackpressure         = errors.New("backpressure")
	ErrRateLimited          = errors.New("rate limited")
	ErrNegotiationCollision = errors.New("negotiation collision")
	ErrNegotiationFailure   = errors.New("negotiation failure")
	ErrTransportDown        = errors.New("transport down")
)
