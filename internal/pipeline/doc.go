// Package pipeline drives a linear sequence of build steps through the step
// state machine. Each step is probed against the layer cache first and run
// only on a miss. The first failure is fatal: the step is marked FAILED,
// every later step SKIPPED, and nothing is retried.
package pipeline
