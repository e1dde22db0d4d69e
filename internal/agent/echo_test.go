package agent_test

import (
	"context"
	"testing"

	"github.com/manno23/a2agateway/internal/a2a"
	"github.com/manno23/a2agateway/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoProcessor_ReflectsTriggeringMessageText(t *testing.T) {
	task := &a2a.Task{
		ID: "t1",
		History: []a2a.Message{
			{Role: a2a.RoleUser, Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: "hello"}}},
		},
	}

	result, err := agent.EchoProcessor{}.Process(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, result.Message)
	assert.Equal(t, "echo: hello", result.Message.Parts[0].Text)
	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "hello", result.Artifacts[0].Parts[0].Text)
}

func TestEchoProcessor_EmptyHistoryProducesEmptyEcho(t *testing.T) {
	task := &a2a.Task{ID: "t2"}

	result, err := agent.EchoProcessor{}.Process(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "echo: ", result.Message.Parts[0].Text)
	assert.False(t, result.NeedsInput)
	assert.False(t, result.NeedsAuth)
}
