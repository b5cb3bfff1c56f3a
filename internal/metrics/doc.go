// Package metrics counts builds and installation sessions with Prometheus
// collectors and writes them to a node-exporter textfile.
package metrics
