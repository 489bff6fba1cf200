// Package plugin provides the worker-side plugin system: a registry of
// named action bundles, YAML manifests for discovery, and the response
// processor that turns plugin return values into terminal execution
// statuses and performs requested cache, file, and db side effects.
package plugin
