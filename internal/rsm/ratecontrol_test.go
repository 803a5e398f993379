package rsm

import "testing"

func TestAdaptSendRateBounded(t *testing.T) {
	cases := []float64{-1000, -100, -10, 0, 10, 37.5, 100, 1000}
	for _, errorRate := range cases {
		delta := adaptSendRate(errorRate)
		if delta > errorMax || delta < -errorMax {
			t.Errorf("adaptSendRate(%v) = %v, want within [-%v, %v]", errorRate, delta, errorMax, errorMax)
		}
	}
}

func TestAdaptSendRateSign(t *testing.T) {
	if d := adaptSendRate(-5); d <= 0 {
		t.Errorf("negative errorRate should scale up, got delta %v", d)
	}
	if d := adaptSendRate(5); d >= 0 {
		t.Errorf("positive errorRate should scale down, got delta %v", d)
	}
	if d := adaptSendRate(0); d != 0 {
		t.Errorf("zero errorRate should not adapt, got delta %v", d)
	}
}

func TestSendRateControllerObserveStaysWithinBounds(t *testing.T) {
	knobs := DefaultTuningKnobs()
	c := NewSendRateController(knobs)

	for i := 0; i < 50; i++ {
		c.Observe(100, 90) // heavy loss, should scale down but never below min
		if c.Rate() < c.min {
			t.Fatalf("rate %d dropped below min %d", c.Rate(), c.min)
		}
	}
	for i := 0; i < 50; i++ {
		c.Observe(100, 0) // no loss, should scale up but never above max
		if c.Rate() > c.max {
			t.Fatalf("rate %d exceeded max %d", c.Rate(), c.max)
		}
	}
}

func TestSendRateControllerIgnoresEmptyWrite(t *testing.T) {
	knobs := DefaultTuningKnobs()
	c := NewSendRateController(knobs)
	before := c.Rate()
	if delta := c.Observe(0, 0); delta != 0 {
		t.Errorf("delta = %v, want 0 for empty write", delta)
	}
	if c.Rate() != before {
		t.Errorf("rate changed on empty write: %d -> %d", before, c.Rate())
	}
}
