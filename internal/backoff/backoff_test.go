package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay_Exponential(t *testing.T) {
	p := &Policy{Initial: time.Second, Max: time.Minute, Factor: 2.0}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.InDelta(t, float64(2*time.Second), float64(p.Delay(1)), 0)
	assert.InDelta(t, float64(4*time.Second), float64(p.Delay(2)), 0)
}

func TestPolicy_Delay_CapsAtMax(t *testing.T) {
	p := &Policy{Initial: time.Second, Max: 5 * time.Second, Factor: 10.0}

	d := p.Delay(5)
	assert.LessOrEqual(t, d, 5*time.Second)
}

func TestPolicy_Delay_Jitter_StaysPositive(t *testing.T) {
	p := &Policy{Initial: time.Second, Max: time.Minute, Factor: 2.0, JitterFactor: 0.5}

	for i := 0; i < 50; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestSequence_AdvancesAndResets(t *testing.T) {
	seq := NewSequence(&Policy{Initial: time.Second, Max: time.Minute, Factor: 2.0})

	first := seq.Next()
	second := seq.Next()
	assert.Equal(t, time.Second, first)
	assert.Equal(t, 2*time.Second, second)

	seq.Reset()
	assert.Equal(t, time.Second, seq.Next())
}

func TestDefault(t *testing.T) {
	d := Default()
	assert.Equal(t, time.Second, d.Initial)
	assert.Equal(t, 30*time.Second, d.Max)
}
