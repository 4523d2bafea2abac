// Package metrics holds the Prometheus collectors for the store. Nothing is
// registered here; the serve command registers Collectors() on its registry.
package metrics
