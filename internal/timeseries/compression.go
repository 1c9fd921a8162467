package timeseries

import "math"

const minSlopeSeconds = 1e-9

// CompressionState implements swinging door trending in its emit-previous
// form. Anchor is the last sample that is permanently retained; Tail is the
// most recent sample, retained until a newer one proves it redundant. When
// Bounded is set, Lower and Upper bound the slopes from Anchor that stay
// within tolerance of every sample dropped since Anchor; otherwise nothing has
// been dropped yet and the corridor is unbounded.
//
// For an in-order stream every dropped sample lies within tolerance of the
// straight line between the retained samples on either side of it.
type CompressionState struct {
	Anchor    Sample       `json:"anchor"`
	Tail      Sample       `json:"tail"`
	HasAnchor bool         `json:"has_anchor"`
	HasTail   bool         `json:"has_tail"`
	Bounded   bool         `json:"bounded"`
	Lower     float64      `json:"lower"`
	Upper     float64      `json:"upper"`
	Dropped   int64        `json:"dropped"`
	Filter    KalmanFilter `json:"filter"`
}

// Offer feeds an in-order sample and reports whether the current tail is
// redundant and should be replaced by p instead of appending p.
func (c *CompressionState) Offer(p Sample, tolerance float64) bool {
	if !c.HasAnchor {
		c.Reset(p)
		return false
	}
	if !c.HasTail {
		c.Tail = p
		c.HasTail = true
		c.openCorridor()
		return false
	}
	dtTail := c.Tail.Timestamp.Sub(c.Anchor.Timestamp).Seconds()
	dtP := p.Timestamp.Sub(c.Anchor.Timestamp).Seconds()
	if dtTail <= minSlopeSeconds || dtP <= minSlopeSeconds {
		c.advance(p)
		return false
	}
	lower := (c.Tail.Value - tolerance - c.Anchor.Value) / dtTail
	upper := (c.Tail.Value + tolerance - c.Anchor.Value) / dtTail
	if c.Bounded {
		lower = math.Max(c.Lower, lower)
		upper = math.Min(c.Upper, upper)
	}
	slope := (p.Value - c.Anchor.Value) / dtP
	if slope < lower || slope > upper {
		c.advance(p)
		return false
	}
	c.Bounded = true
	c.Lower = lower
	c.Upper = upper
	c.Tail = p
	c.Dropped++
	return true
}

// ReplaceTail updates the value of the newest sample in place, used when a
// duplicate timestamp overwrites it.
func (c *CompressionState) ReplaceTail(p Sample) {
	switch {
	case c.HasTail:
		c.Tail = p
	case c.HasAnchor:
		c.Anchor = p
	default:
		c.Reset(p)
	}
}

// Reset pins s as a permanently retained anchor. It is used when the sample
// order is disturbed, freezing the current tail so no earlier decision is
// revisited.
func (c *CompressionState) Reset(s Sample) {
	c.Anchor = s
	c.HasAnchor = true
	c.Tail = Sample{}
	c.HasTail = false
	c.openCorridor()
}

func (c *CompressionState) advance(p Sample) {
	c.Anchor = c.Tail
	c.Tail = p
	c.openCorridor()
}

func (c *CompressionState) openCorridor() {
	c.Bounded = false
	c.Lower = 0
	c.Upper = 0
}
