package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrNoToken         = errors.New("no token found for domain")
	ErrNoRefreshToken  = errors.New("no refresh token available for domain")
	ErrRefreshFailed   = errors.New("token refresh failed")
	ErrRemoteAPI       = errors.New("remote api error")
	ErrRateLimited     = errors.New("rate limited by remote api")
	ErrTransport       = errors.New("api call failed")
	ErrPersistence     = errors.New("failed to save tokens")

	ErrInvalidBackend  = errors.New("invalid backend")
	ErrDataStoreAccess = errors.New("data store read/write error")
	ErrInvalidConfig   = errors.New("invalid config")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}

// RemoteError is a non-success response of the tenant API.
// It matches ErrRemoteAPI with errors.Is.
type RemoteError struct {
	StatusCode  int
	Code        string // remote `error` field
	Description string // remote `error_description` field
	RetryAfter  string
	Body        []byte
}

func (e *RemoteError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = "Unknown API error"
	}
	return fmt.Sprintf("remote api error (%d): %s", e.StatusCode, msg)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteAPI
}

// Stable machine codes rendered in failure envelopes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeInvalidGrant    = "INVALID_GRANT"
	CodeNoToken         = "NO_TOKEN"
	CodeNoRefreshToken  = "NO_REFRESH_TOKEN"
	CodeRefreshFailed   = "REFRESH_FAILED"
	CodeRemoteAPI       = "REMOTE_API_ERROR"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTransport       = "TRANSPORT_ERROR"
	CodePersistence     = "PERSISTENCE_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
)

var codes = []struct {
	err  error
	code string
}{
	// Order matters: a refresh failure wraps the remote or transport error that caused it.
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrInvalidGrant, CodeInvalidGrant},
	{ErrNoRefreshToken, CodeNoRefreshToken},
	{ErrNoToken, CodeNoToken},
	{ErrRefreshFailed, CodeRefreshFailed},
	{ErrPersistence, CodePersistence},
	{ErrRateLimited, CodeRateLimited},
	{ErrRemoteAPI, CodeRemoteAPI},
	{ErrTransport, CodeTransport},
}

// Code maps an error to its stable machine code.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// Message flattens joined errors into a single line.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", ": ")
}
