package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidTimeClass(t *testing.T) {
	assert.True(t, ValidTimeClass(Tentative))
	assert.True(t, ValidTimeClass(Planned))
	assert.True(t, ValidTimeClass(Committed))
	assert.False(t, ValidTimeClass(TimeClass("FIRM")))
	assert.False(t, ValidTimeClass(TimeClass("")))
}

func TestBlockOpen(t *testing.T) {
	b := Block{ID: "b1"}
	assert.True(t, b.Open())

	at := time.Now().UTC()
	b.SupersededAt = &at
	b.SupersededBy = "b2"
	assert.False(t, b.Open())
}

func TestRequestStatusTerminal(t *testing.T) {
	assert.False(t, RequestPending.Terminal())
	assert.False(t, RequestInReview.Terminal())
	assert.False(t, RequestAccepted.Terminal())
	assert.True(t, RequestCommitted.Terminal())
	assert.True(t, RequestRejected.Terminal())
	assert.True(t, RequestCancelled.Terminal())
}
