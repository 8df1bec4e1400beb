// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureAttachesServiceFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "collabd-test", Version: "v0.0.0-test"})

	logger := L()
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "collabd-test", entry["service"])
	assert.Equal(t, "v0.0.0-test", entry["version"])
	assert.Equal(t, "hello", entry["message"])
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "collabd-test"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithProjectID(ctx, "proj-1")
	ctx = ContextWithClientID(ctx, "client-1")

	logger := WithContext(ctx, L())
	logger.Info().Msg("scoped")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "proj-1", entry["project_id"])
	assert.Equal(t, "client-1", entry["client_id"])
}

func TestWithComponentFromContext(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "collabd-test"})

	ctx := ContextWithRequestID(context.Background(), "req-9")
	ctx = ContextWithProjectID(ctx, "proj-9")

	logger := WithComponentFromContext(ctx, "server")
	logger.Info().Msg("handshake")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "server", entry[FieldComponent])
	assert.Equal(t, "req-9", entry[FieldRequestID])
	assert.Equal(t, "proj-9", entry[FieldProjectID])
}

func TestSetLevelRejectsGarbage(t *testing.T) {
	assert.True(t, SetLevel("warn"))
	assert.False(t, SetLevel("chatty"))
	SetLevel("debug")
}
