package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueuePublishAndReceive(t *testing.T) {
	queue := NewInMemoryQueue()
	defer queue.Close()

	jobId := uuid.New()
	err := queue.PublishValidationTask(context.Background(), ValidationTaskPayload{JobId: jobId})
	require.NoError(t, err)

	task := <-queue.Tasks()
	assert.Equal(t, ValidationQueue, task.Type())

	var payload ValidationTaskPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, jobId, payload.JobId)

	assert.NoError(t, task.Ack())
}

func TestInMemoryQueueCloseStopsTasks(t *testing.T) {
	queue := NewInMemoryQueue()

	require.NoError(t, queue.PublishValidationTask(context.Background(), ValidationTaskPayload{JobId: uuid.New()}))

	tasks := queue.Tasks()
	queue.Close()

	_, ok := <-tasks
	assert.True(t, ok, "buffered task should still be delivered")

	_, ok = <-tasks
	assert.False(t, ok, "channel should be closed after draining")
}
