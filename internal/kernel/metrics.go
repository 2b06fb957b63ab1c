package kernel

import "time"

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeCanceled  = "canceled"
)

// Metrics receives kernel and proxy observations. The observability package
// provides the prometheus implementation.
type Metrics interface {
	ObserveCommand(kernel string, commandType string, outcome string, elapsed time.Duration)
	ObserveProxyRoundTrip(kernel string, outcome string, elapsed time.Duration)
	SetProxyInFlight(kernel string, n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCommand(string, string, string, time.Duration) {}

func (nopMetrics) ObserveProxyRoundTrip(string, string, time.Duration) {}

func (nopMetrics) SetProxyInFlight(string, int) {}
