package auth

import "errors"

var (
	// ErrInvalidCredentials is returned for an unknown user or a wrong password
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrAccountDisabled is returned when the password matches an inactive identity
	ErrAccountDisabled = errors.New("account is disabled")
	// ErrDeviceBlocked is returned when an active block exists for the identity and IP
	ErrDeviceBlocked = errors.New("this device is blocked")
	// ErrNotificationFailed is returned when the confirmation request could not be delivered
	ErrNotificationFailed = errors.New("2FA message could not be sent, contact administrator")
	// ErrCodeNotFound covers unknown, used, expired and foreign codes alike
	ErrCodeNotFound = errors.New("verification code not found or already used")
	// ErrMalformedReply is returned for a side-channel message that is not a confirm or deny command
	ErrMalformedReply = errors.New("malformed reply")
)
