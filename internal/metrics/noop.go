package metrics

import "time"

type noopLockMetrics struct{}

// NewNoopLockMetrics returns a LockMetrics that discards everything.
func NewNoopLockMetrics() LockMetrics { return noopLockMetrics{} }

func (noopLockMetrics) ObserveAcquire(string, string, time.Duration) {}
func (noopLockMetrics) RecordBackoff(string)                          {}
func (noopLockMetrics) SetHeld(int)                                   {}

type noopSessionMetrics struct{}

// NewNoopSessionMetrics returns a SessionMetrics that discards everything.
func NewNoopSessionMetrics() SessionMetrics { return noopSessionMetrics{} }

func (noopSessionMetrics) ObserveFlush(time.Duration, int) {}
func (noopSessionMetrics) RecordPackets(int)               {}
func (noopSessionMetrics) RecordCorrupt(string)            {}
