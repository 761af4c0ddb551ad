// Package prometheus exposes goMFA engine metrics as a
// prometheus.Collector. Values are read from the engine snapshot on every
// scrape; nothing is registered globally.
package prometheus
