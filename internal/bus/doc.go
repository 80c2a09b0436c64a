// Package bus provides the non-blocking transition event bus. Committed
// transitions are enqueued by the engine and fanned out on a background
// goroutine to pluggable sinks (logging, metrics, external publishers) and
// to per-job subscriptions consumed by synchronization clients. Delivery
// to subscribers is at-least-once and lossy under backpressure; consumers
// recover dropped events through the sequence-gap resync protocol.
package bus
