package batch

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name         string
		current      Status
		total        int
		settled      int
		failed       int
		markedFailed bool
		want         Status
	}{
		{
			name:    "no terminal payments keeps current",
			current: StatusActive,
			total:   3,
			want:    StatusActive,
		},
		{
			name:    "all settled completes",
			current: StatusActive,
			total:   3, settled: 3,
			want: StatusCompleted,
		},
		{
			name:    "some settled is partial",
			current: StatusActive,
			total:   3, settled: 1,
			want: StatusPartiallyCompleted,
		},
		{
			name:    "all terminal with failures stays partial",
			current: StatusPartiallyCompleted,
			total:   3, settled: 2, failed: 1,
			want: StatusPartiallyCompleted,
		},
		{
			name:    "only failures is partial",
			current: StatusActive,
			total:   2, failed: 2,
			want: StatusPartiallyCompleted,
		},
		{
			name:    "empty batch stays active",
			current: StatusActive,
			total:   0,
			want:    StatusActive,
		},
		{
			name:         "marked failed wins over completion",
			current:      StatusPartiallyCompleted,
			total:        2,
			settled:      2,
			markedFailed: true,
			want:         StatusFailed,
		},
		{
			name:    "failed is sticky",
			current: StatusFailed,
			total:   2, settled: 2,
			want: StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(tt.current, tt.total, tt.settled, tt.failed, tt.markedFailed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusPartiallyCompleted.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestReconcileResultTransitions(t *testing.T) {
	r := ReconcileResult{Previous: StatusPartiallyCompleted, Current: StatusCompleted}
	assert.True(t, r.Changed())
	assert.True(t, r.NewlyTerminal())

	r = ReconcileResult{Previous: StatusCompleted, Current: StatusCompleted}
	assert.False(t, r.Changed())
	assert.False(t, r.NewlyTerminal())

	r = ReconcileResult{Previous: StatusActive, Current: StatusPartiallyCompleted}
	assert.True(t, r.Changed())
	assert.False(t, r.NewlyTerminal())
}

func TestNewBatch(t *testing.T) {
	now := time.Now().UTC()
	b := NewBatch(uuid.New(), uuid.New(), uuid.New(), now)

	assert.Equal(t, StatusActive, b.Status)
	assert.Zero(t, b.Attempts)
	assert.Nil(t, b.ProviderBatchRef)
	assert.Equal(t, now, b.CreatedAt)
}
