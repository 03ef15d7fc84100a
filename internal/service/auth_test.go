package service_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rongwang/titleforge/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueToken(t *testing.T) {
	signed, err := service.IssueToken("secret", "alice", time.Hour)
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(*jwt.Token) (interface{}, error) { return []byte("secret"), nil })
	require.NoError(t, err)

	sub, err := token.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = service.IssueToken("secret", "", time.Hour)
	assert.Error(t, err)
}
