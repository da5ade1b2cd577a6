// Package api serves the operational HTTP surface: health, readiness,
// Prometheus metrics, the current run snapshot, and task submission.
package api
