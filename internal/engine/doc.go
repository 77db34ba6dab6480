// Package engine manages named script environments, each backed by one host
// instance, and records every run, load and call against them. It enforces run
// timeouts via context deadlines, persists console output as it is produced and
// fans it out to live subscribers.
package engine
