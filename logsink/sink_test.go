package logsink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gateway/model"
)

func setupTestDB(t *testing.T) {
	if model.DB == nil {
		require.NoError(t, model.InitDB())
	}
}

func TestAppendAndRunFlushesOnCancel(t *testing.T) {
	setupTestDB(t)
	s := New()

	row := &model.LogRow{RequestID: "sink-test-interval", CanonicalModel: "gpt-4o", StatusCode: 200}
	s.Append(row)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	var reloaded model.LogRow
	err := model.DB.Where("request_id = ?", "sink-test-interval").First(&reloaded).Error
	require.NoError(t, err)
	require.Equal(t, 200, reloaded.StatusCode)

	t.Cleanup(func() {
		model.DB.Unscoped().Delete(&model.LogRow{}, "request_id = ?", "sink-test-interval")
	})
}

func TestAppendFallsBackToBillingOverflowWhenQueueFull(t *testing.T) {
	s := &Sink{queue: make(chan *model.LogRow, 1), billingOverflow: make(chan *model.LogRow, 1)}

	s.Append(&model.LogRow{RequestID: "fits"})
	s.Append(&model.LogRow{RequestID: "overflow", PromptTokens: 10, CompletionTokens: 5, StatusCode: 500})

	require.Equal(t, uint64(1), s.dropped)
	require.Len(t, s.queue, 1)
	require.Len(t, s.billingOverflow, 1)

	row := <-s.billingOverflow
	require.Equal(t, "overflow", row.RequestID)
	require.Equal(t, int64(10), row.PromptTokens)
	require.Equal(t, int64(5), row.CompletionTokens)
	require.Equal(t, 0, row.StatusCode)
}

func TestAppendDropsWhenBothQueuesFull(t *testing.T) {
	s := &Sink{queue: make(chan *model.LogRow, 1), billingOverflow: make(chan *model.LogRow, 1)}

	s.Append(&model.LogRow{RequestID: "fits"})
	s.Append(&model.LogRow{RequestID: "fills-overflow"})
	s.Append(&model.LogRow{RequestID: "dropped"})

	require.Equal(t, uint64(2), s.dropped)
	require.Len(t, s.queue, 1)
	require.Len(t, s.billingOverflow, 1)
}

func TestRunFlushesRemainingOnCancel(t *testing.T) {
	setupTestDB(t)
	s := New()

	row := &model.LogRow{RequestID: "sink-test-drain", CanonicalModel: "claude-3-opus", StatusCode: 200}
	s.Append(row)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	var reloaded model.LogRow
	err := model.DB.Where("request_id = ?", "sink-test-drain").First(&reloaded).Error
	require.NoError(t, err)

	t.Cleanup(func() {
		model.DB.Unscoped().Delete(&model.LogRow{}, "request_id = ?", "sink-test-drain")
	})
}
