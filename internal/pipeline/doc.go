// Package pipeline is the processing side of roadwatch. It defines the
// Worker (classify, persist, notify, mark seen), the Coordinator that owns the
// capture source, worker and store lifecycle, the Classifier and Notifier
// capabilities it consumes, and the Prometheus metrics wired through hooks.
package pipeline
