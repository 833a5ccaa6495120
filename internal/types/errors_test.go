package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	remote := &RemoteError{StatusCode: 400, Code: "invalid_grant"}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), CodeInternal},
		{"invalid argument", Err(ErrInvalidArgument, nil, "domain is required"), CodeInvalidArgument},
		{"remote", remote, CodeRemoteAPI},
		{"wrapped remote", fmt.Errorf("call: %w", remote), CodeRemoteAPI},
		{"refresh wraps remote", Err(ErrRefreshFailed, remote, "domain %s", "acme"), CodeRefreshFailed},
		{"refresh wraps transport", Err(ErrRefreshFailed, Err(ErrTransport, nil, ""), ""), CodeRefreshFailed},
		{"no refresh token beats refresh failed", Err(ErrRefreshFailed, ErrNoRefreshToken, ""), CodeNoRefreshToken},
		{"rate limited wraps remote", Err(ErrRateLimited, remote, ""), CodeRateLimited},
		{"persistence", Err(ErrPersistence, errors.New("disk full"), ""), CodePersistence},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Code(tc.err))
		})
	}
}

func TestErrJoinsMessage(t *testing.T) {
	err := Err(ErrNoToken, nil, "domain %s", "acme.bitrix24.com")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, "no token found for domain: domain acme.bitrix24.com", Message(err))

	assert.Equal(t, "", Message(nil))
	assert.ErrorIs(t, Err(ErrTransport, errors.New("dial"), ""), ErrTransport)
}

func TestRemoteErrorMessage(t *testing.T) {
	assert.Equal(t, "remote api error (400): Method not found!",
		(&RemoteError{StatusCode: 400, Code: "ERROR_METHOD_NOT_FOUND", Description: "Method not found!"}).Error())
	assert.Equal(t, "remote api error (500): INTERNAL", (&RemoteError{StatusCode: 500, Code: "INTERNAL"}).Error())
	assert.Equal(t, "remote api error (502): Unknown API error", (&RemoteError{StatusCode: 502}).Error())
	assert.True(t, errors.Is(&RemoteError{}, ErrRemoteAPI))
}
