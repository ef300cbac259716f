// Package progress turns remaining work and live throughput into one
// batch-wide percent and ETA.
//
// The Estimator is a plain remaining-time model and may move backwards when a
// rate drops or a retry adds work. Monotonic sits on top of it and is the
// only thing observers see: it clamps every report to
// [last reported, 99] until Finish reports 100.
package progress
