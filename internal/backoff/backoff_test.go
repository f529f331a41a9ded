package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJittered(t *testing.T) {
	assert.Equal(t, time.Duration(0), Jittered(time.Second, 0))
	assert.Equal(t, time.Duration(0), Jittered(0, 3))
	for attempt := 1; attempt < 40; attempt++ {
		d := Jittered(100*time.Millisecond, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, Max+Max/4)
	}
}

func TestJitteredGrows(t *testing.T) {
	// the jitter band of attempt 3 lies strictly above the band of attempt 1
	assert.Greater(t, Jittered(10*time.Millisecond, 3), Jittered(10*time.Millisecond, 1))
}
