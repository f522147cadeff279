package protocol

// ErrorCode is the wire representation of a hub error class.
type ErrorCode string

const (
	CodeAuthRequired       ErrorCode = "AUTH_REQUIRED"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	CodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeRelayUnavailable   ErrorCode = "RELAY_UNAVAILABLE"
	CodeTooManyConnections ErrorCode = "TOO_MANY_CONNECTIONS"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInternal           ErrorCode = "INTERNAL"
)
