package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/api"
)

func TestParseTime(t *testing.T) {
	got, err := parseTime("2024-03-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2024-03-04T09:15:00+05:30")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 4, 3, 45, 0, 0, time.UTC), got)

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cmd := tokenCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--subject", "ops", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	claims, err := api.ParseToken([]byte("s3cret"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestTokenCommand_NeedsSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cmd := tokenCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

func TestWatchCommand_WSFlag(t *testing.T) {
	cmd := watchCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--ws", ":9191"}))
	addr, err := cmd.Flags().GetString("ws")
	require.NoError(t, err)
	assert.Equal(t, ":9191", addr)
}
