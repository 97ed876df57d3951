package metrics

import "time"

// FetchResult enumerates per-item fetch outcomes for counters.
type FetchResult string

const (
	FetchCommitted FetchResult = "committed"
	FetchFailed    FetchResult = "failed"
	FetchGone      FetchResult = "gone"
	FetchInvalid   FetchResult = "invalid"
	FetchAbandoned FetchResult = "abandoned"
)

// Recorder defines observability hooks for backup runs. Implementations may
// forward to Prometheus or elsewhere. NoopRecorder is the default when metrics
// are not configured.
type Recorder interface {
	IncVerdict(scope, verdict string)
	IncFetchResult(scope string, result FetchResult)
	IncRetry(scope, op, kind string)
	IncCredentialRefresh(scope string)
	ObserveFetchDuration(scope string, d time.Duration)
	AddBytes(scope string, transferred, saved int64)
	ObserveRun(scope, mode, status string, d time.Duration)
	SetWorkers(scope string, n int)
}

// NoopRecorder is a Recorder that does nothing.
type NoopRecorder struct{}

func (NoopRecorder) IncVerdict(string, string)                   {}
func (NoopRecorder) IncFetchResult(string, FetchResult)          {}
func (NoopRecorder) IncRetry(string, string, string)             {}
func (NoopRecorder) IncCredentialRefresh(string)                 {}
func (NoopRecorder) ObserveFetchDuration(string, time.Duration)  {}
func (NoopRecorder) AddBytes(string, int64, int64)               {}
func (NoopRecorder) ObserveRun(string, string, string, time.Duration) {}
func (NoopRecorder) SetWorkers(string, int)                      {}
