package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/atlas-desktop/backtest-lab/internal/events"
	"github.com/atlas-desktop/backtest-lab/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(channel, message)
	cmd := redis.NewIntCmd(ctx)
	if err := args.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSink_PublishesToTaskAndAllChannels(t *testing.T) {
	client := &mockPublisher{}
	client.On("Publish", "lab:task:t-1", mock.Anything).Return(nil).Once()
	client.On("Publish", "lab:tasks", mock.Anything).Return(nil).Once()

	sink := NewRedisSinkWithClient(zap.NewNop(), client, "lab")
	event := events.NewEvent(events.EventTypeProgress, "t-1", types.TaskProgress{TaskID: "t-1", Progress: 42})
	require.NoError(t, sink.Handle(event))
	client.AssertExpectations(t)

	payload := client.Calls[0].Arguments.Get(1).([]byte)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "progress", decoded["type"])
	assert.Equal(t, "t-1", decoded["taskId"])
}

func TestRedisSink_DefaultPrefixAndErrors(t *testing.T) {
	client := &mockPublisher{}
	client.On("Publish", "backtest:task:t-2", mock.Anything).Return(errors.New("connection refused"))

	sink := NewRedisSinkWithClient(zap.NewNop(), client, "")
	assert.Equal(t, "backtest:tasks", sink.AllChannel())

	err := sink.Handle(events.NewEvent(events.EventTypeStatus, "t-2", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	client.AssertNotCalled(t, "Publish", "backtest:tasks", mock.Anything)
	assert.NoError(t, sink.Close())
}

func TestLogSink_WritesAtEventLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Handle(events.NewEvent(events.EventTypeLog, "t-3", events.LogPayload{Level: "warn", Message: "slippage high"})))
	require.NoError(t, sink.Handle(events.NewEvent(events.EventTypeLog, "t-3", events.LogPayload{Level: "debug", Message: "hidden"})))
	require.NoError(t, sink.Handle(events.NewEvent(events.EventTypeLog, "t-3", "not a log payload")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "slippage high", entries[0].Message)
	assert.Equal(t, "t-3", entries[0].ContextMap()["task_id"])
}
