package rsm

import "sync"

// Rate adaptation constants from spec §4.6. ERROR_BASE_RATE is the
// tolerated percentage of lost fragments per write before the controller
// starts scaling down; ERROR_MAX bounds how far one adaptation step can
// move the send rate in either direction.
const (
	errorBaseRate = 10.0
	upscale       = 1.1
	downscale     = 0.9
	errorMax      = 50.0
)

// SendRateController tracks the fraction of fragments that needed
// retransmission for the last write and adjusts the writer's pacing rate
// accordingly, mirroring the adaptive send rate in the original transport.
type SendRateController struct {
	mu   sync.Mutex
	rate int // fragments per second
	min  int
	max  int
}

// NewSendRateController starts the controller at the knobs' configured
// steady-state PacketRate.
func NewSendRateController(knobs *TuningKnobs) *SendRateController {
	return &SendRateController{
		rate: knobs.PacketRate,
		min:  1,
		max:  knobs.PacketRate * 8,
	}
}

// Rate returns the current pacing rate in fragments per second.
func (c *SendRateController) Rate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Observe feeds the controller the outcome of one write: how many
// fragments were sent in total and how many of those required a
// retransmission before being acknowledged. It returns the delta percent
// applied, clamped to [-ERROR_MAX, ERROR_MAX] (the property exercised by
// the rate-adaptation test in §8).
func (c *SendRateController) Observe(nFragments, nErrors int) float64 {
	if nFragments == 0 {
		return 0
	}

	errorRate := (float64(nErrors)/float64(nFragments))*100 - errorBaseRate
	delta := adaptSendRate(errorRate)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := int(float64(c.rate) * (1 + delta/100))
	if next < c.min {
		next = c.min
	}
	if next > c.max {
		next = c.max
	}
	c.rate = next
	return delta
}

// adaptSendRate implements spec §4.6's formula: a negative errorRate (we
// are seeing fewer losses than tolerated) scales the rate up, a positive
// one scales it down, both capped at errorMax percent per step.
func adaptSendRate(errorRate float64) float64 {
	var delta float64
	if errorRate < 0 {
		delta = -errorRate * (upscale - 1) * 10
	} else {
		delta = -errorRate * (1 - downscale) * 10
	}
	if delta > errorMax {
		delta = errorMax
	}
	if delta < -errorMax {
		delta = -errorMax
	}
	return delta
}
