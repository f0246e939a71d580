// Package events provides an in-memory pub/sub broker for platform
// lifecycle events. Publishing never blocks: the broker buffers up to 100
// events and drops delivery to subscribers whose channels are full.
package events
