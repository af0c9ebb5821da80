// Package task manages background job queuing, processing, and lifecycle.
// It decouples fast request handling from slow external computation: a
// bounded worker pool drains a FIFO queue while an in-memory ledger tracks
// every task from submission to its terminal state.
//
// The ledger and queue are process-local; running multiple replicas of the
// service loses cross-replica task visibility.
package task
