// Package triage is the business boundary for Arbiter's alert triage.
// It defines the Pipeline (per-alert fan-out of the classifier and
// retrieval+reasoner paths joined by consensus), the Service (validation,
// dedup, a bounded worker pool, lifecycle and notification), the Store
// interface and the stored Result.
package triage
