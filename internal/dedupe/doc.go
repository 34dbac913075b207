// Package dedupe provides event deduplication using a time-based cache
// so redelivered Matrix events are not processed twice.
package dedupe
