// Package campaign implements campaign orchestration: recipient resolution,
// per-recipient rendering, immediate delivery, enqueueing for the queue
// worker, cancellation, and failed-item retry.
package campaign
