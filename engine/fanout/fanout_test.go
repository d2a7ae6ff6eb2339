package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSaleClosed(t *testing.T) {
	assert.True(t, IsSaleClosed("SALE_CLOSED"))
	assert.True(t, IsSaleClosed("SALE_CLOSED_UPGRADE"))
	assert.False(t, IsSaleClosed("SALE_CLOSEDX"))
	assert.False(t, IsSaleClosed("sale_closed"))
	assert.False(t, IsSaleClosed("DONE"))
	assert.False(t, IsSaleClosed(""))
}
