package domain

import "errors"

var (
	ErrLimitExceeded   = errors.New("device_limit_exceeded")
	ErrUnknownDevice   = errors.New("unknown_device")
	ErrInvalidDeviceID = errors.New("invalid_device_id")
)
