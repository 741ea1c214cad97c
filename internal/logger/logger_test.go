package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsAreLogged(t *testing.T) {
	require.NoError(t, Setup(Config{Level: "debug", Format: "json"}))
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { _ = Setup(Config{}) })

	ctx := WithField(context.Background(), "session_id", "s-1")
	ctx = WithFields(ctx, logrus.Fields{"persona": "NTR"})
	ErrorWithFields(ctx, errors.New("insert failed"), logrus.Fields{"kind": "persistence_failure"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "s-1", entry["session_id"])
	assert.Equal(t, "NTR", entry["persona"])
	assert.Equal(t, "persistence_failure", entry["kind"])
	assert.Equal(t, "insert failed", entry["error"])
	assert.Equal(t, "error", entry["level"])
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	parent := WithField(context.Background(), "a", 1)
	_ = WithField(parent, "b", 2)

	fields := parent.Value(fieldsKey).(logrus.Fields)
	assert.Len(t, fields, 1)
}

func TestSetupRejectsBadValues(t *testing.T) {
	assert.Error(t, Setup(Config{Level: "loud"}))
	assert.Error(t, Setup(Config{Format: "xml"}))
	require.NoError(t, Setup(Config{}))
}
