package redisbroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamForTopic(t *testing.T) {
	assert.Equal(t, "payrun:paycheck:payment:status_changed", StreamForTopic("paycheck.payment.status_changed"))
	assert.Equal(t, "payrun:payment:batch:terminal", StreamForTopic("payment.batch.terminal"))
	assert.Equal(t, "payrun:plain", StreamForTopic("plain"))
}
