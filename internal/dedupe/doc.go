// Package dedupe maps client idempotency keys to the records they produced,
// within a configurable time window, so retried requests are not applied twice.
package dedupe
