package metrics

import "time"

// BoxMetrics provides observability for the box protocol adapter and the
// storage task pool.
//
// This interface is optional - components that receive nil fall back to the
// no-op implementation with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewBoxMetrics()
//	adapter := box.New(config, m)
//
//	// Without metrics (no-op)
//	adapter := box.New(config, nil)
type BoxMetrics interface {
	// RecordCommand records a completed protocol command.
	//
	// Parameters:
	//   - command: Command verb (e.g., "LOGIN", "UPLOAD", "LIST")
	//   - duration: Time from reading the command line to writing the reply
	//   - err: Error if the command failed, nil if successful
	RecordCommand(command string, duration time.Duration, err error)

	// RecordBytesTransferred records payload bytes moved over the wire.
	//
	// Parameters:
	//   - direction: "upload" or "download"
	//   - bytes: Number of payload bytes
	RecordBytesTransferred(direction string, bytes int64)

	// SetActiveSessions updates the number of sessions being served.
	SetActiveSessions(count int32)

	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed because the
	// shutdown timeout expired.
	RecordConnectionForceClosed()

	// SetAdmissionQueueDepth updates the number of accepted connections
	// waiting for a client worker.
	SetAdmissionQueueDepth(depth int)

	// SetTaskQueueDepth updates the number of tasks waiting for a storage
	// worker.
	SetTaskQueueDepth(depth int)

	// RecordTask records an executed storage task.
	//
	// Parameters:
	//   - kind: Task kind ("upload", "download", "delete", "list")
	//   - wait: Time spent queued before a worker picked the task up
	//   - duration: Execution time
	//   - err: Error if the task failed, nil if successful
	RecordTask(kind string, wait, duration time.Duration, err error)

	// RecordQuotaRejection counts uploads refused because of the quota.
	RecordQuotaRejection()
}

// NewNoopBoxMetrics returns a BoxMetrics that discards everything.
func NewNoopBoxMetrics() BoxMetrics {
	return noopBoxMetrics{}
}

// OrNoop returns m, or the no-op implementation when m is nil.
func OrNoop(m BoxMetrics) BoxMetrics {
	if m == nil {
		return noopBoxMetrics{}
	}
	return m
}

// noopBoxMetrics is a no-op implementation of BoxMetrics with zero overhead.
type noopBoxMetrics struct{}

func (noopBoxMetrics) RecordCommand(command string, duration time.Duration, err error) {}
func (noopBoxMetrics) RecordBytesTransferred(direction string, bytes int64)            {}
func (noopBoxMetrics) SetActiveSessions(count int32)                                   {}
func (noopBoxMetrics) RecordConnectionAccepted()                                       {}
func (noopBoxMetrics) RecordConnectionClosed()                                         {}
func (noopBoxMetrics) RecordConnectionForceClosed()                                    {}
func (noopBoxMetrics) SetAdmissionQueueDepth(depth int)                                {}
func (noopBoxMetrics) SetTaskQueueDepth(depth int)                                     {}
func (noopBoxMetrics) RecordTask(kind string, wait, duration time.Duration, err error) {}
func (noopBoxMetrics) RecordQuotaRejection()                                           {}
