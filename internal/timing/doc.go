// Package timing holds the receive-side bookkeeping queues: decode-queue
// depth tracking (TsQueue), a bounded render buffer (RenderBuffer) and a
// capture-clock lookup (ClockChecker). All types are safe for concurrent use.
package timing
