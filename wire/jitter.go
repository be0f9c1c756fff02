package wire

// JitterEstimator maintains the per-inbound-stream interarrival jitter
// estimate, spec §4.1: J ← J + (|D| − J)/16, where D is the transit-time
// delta between consecutive in-order datagrams in the stream's clock units.
//
// Not grounded on teacher code directly (av/metrics.go only stores a
// placeholder time.Duration field); the recurrence itself is the wire
// report format's standard smoothing filter referenced by spec §4.1.
type JitterEstimator struct {
	haveLast    bool
	lastArrival int64 // receiver clock ticks at previous arrival
	lastRTPTime uint32
	estimate    float64
}

// Update folds in one newly arrived datagram's (arrivalTicks, rtpTimestamp)
// pair, both in the stream's clock units, and returns the updated jitter
// estimate truncated to an integer per the wire format's use of Jitter as
// a 32-bit unsigned field.
func (j *JitterEstimator) Update(arrivalTicks int64, rtpTimestamp uint32) uint32 {
	if !j.haveLast {
		j.haveLast = true
		j.lastArrival = arrivalTicks
		j.lastRTPTime = rtpTimestamp
		return uint32(j.estimate)
	}

	transit := arrivalTicks - int64(rtpTimestamp)
	lastTransit := j.lastArrival - int64(j.lastRTPTime)
	d := transit - lastTransit
	if d < 0 {
		d = -d
	}

	j.estimate += (float64(d) - j.estimate) / 16.0
	j.lastArrival = arrivalTicks
	j.lastRTPTime = rtpTimestamp

	return uint32(j.estimate)
}

// Value returns the current estimate without updating it.
func (j *JitterEstimator) Value() uint32 {
	return uint32(j.estimate)
}
