// Package sinks implements concrete event consumers: structured zap logging
// and Prometheus metrics. Each sink satisfies progress.Sink and is safe for
// repeated Consume/Close cycles.
package sinks
