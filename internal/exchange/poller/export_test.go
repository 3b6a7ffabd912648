package poller

import "github.com/prometheus/client_golang/prometheus/testutil"

// Cycles returns the number of started cycles.
func (p *Poller) Cycles() float64 {
	return testutil.ToFloat64(p.cycles)
}

// Skipped returns the number of dropped cycle requests.
func (p *Poller) Skipped() float64 {
	return testutil.ToFloat64(p.skipped)
}

// Busy returns the busy gauge value.
func (p *Poller) Busy() float64 {
	return testutil.ToFloat64(p.running)
}
