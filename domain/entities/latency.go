package entities

import "time"

// LatencyQuality grades the connection from measured round trips.
type LatencyQuality string

const (
	QualityUnknown   LatencyQuality = "unknown"
	QualityExcellent LatencyQuality = "excellent"
	QualityGood      LatencyQuality = "good"
	QualityFair      LatencyQuality = "fair"
	QualityPoor      LatencyQuality = "poor"
)

const latencyWindow = 10

// LatencyTracker keeps the last keepalive round trips.
type LatencyTracker struct {
	target  time.Duration
	samples []time.Duration
}

func NewLatencyTracker(target time.Duration) *LatencyTracker {
	return &LatencyTracker{target: target}
}

// Record adds a round trip to the window. Negative samples are ignored.
func (l *LatencyTracker) Record(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	l.samples = append(l.samples, rtt)
	if len(l.samples) > latencyWindow {
		l.samples = l.samples[len(l.samples)-latencyWindow:]
	}
}

// Last returns the newest sample, if any.
func (l *LatencyTracker) Last() (time.Duration, bool) {
	if len(l.samples) == 0 {
		return 0, false
	}
	return l.samples[len(l.samples)-1], true
}

// Average is the mean of the samples in the window.
func (l *LatencyTracker) Average() (time.Duration, bool) {
	if len(l.samples) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, s := range l.samples {
		total += s
	}
	return total / time.Duration(len(l.samples)), true
}

// Quality grades the average round trip.
func (l *LatencyTracker) Quality() LatencyQuality {
	avg, ok := l.Average()
	switch {
	case !ok:
		return QualityUnknown
	case avg < 150*time.Millisecond:
		return QualityExcellent
	case avg < 300*time.Millisecond:
		return QualityGood
	case avg < 600*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// OverTarget reports whether the last round trip exceeded the configured target.
func (l *LatencyTracker) OverTarget() bool {
	last, ok := l.Last()
	return ok && l.target > 0 && last > l.target
}

// Reset drops every sample.
func (l *LatencyTracker) Reset() {
	l.samples = nil
}
