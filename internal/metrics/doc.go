// Package metrics exposes localbase's Prometheus collectors.
//
// Collectors live on a registry owned by each Metrics value rather than the
// global default registry. Every Record method accepts a nil receiver so
// components can be built without metrics in tests.
package metrics
