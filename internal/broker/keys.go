package broker

import "fmt"

// Key namespace. Every key the backend touches lives under the "laps:"
// prefix so a shared redis can host other tenants.
const prefix = "laps:"

// MapNextIDKey is the counter allocating map IDs.
func MapNextIDKey() string { return prefix + "map:next-id" }

// MapIDsKey is the set of live map IDs.
func MapIDsKey() string { return prefix + "map:ids" }

// MapMetaKey is the hash holding a map's metadata.
func MapMetaKey(id int64) string { return fmt.Sprintf("%smap:%d:meta", prefix, id) }

// MapDataKey holds a map's raw PNG bytes.
func MapDataKey(id int64) string { return fmt.Sprintf("%smap:%d:data", prefix, id) }

// ModuleStateKey is the hash holding a module's state, container id and
// last error.
func ModuleStateKey(name, version string) string {
	return fmt.Sprintf("%smodule:%s:%s:state", prefix, name, version)
}

// ModuleQueueKey is the per-module FIFO of pending job tokens.
func ModuleQueueKey(name, version string) string {
	return fmt.Sprintf("%smodule:%s:%s:queue", prefix, name, version)
}

// ModuleReadyChannel is the channel a module shim publishes its readiness
// ping on after connecting to the broker.
func ModuleReadyChannel(name, version string) string {
	return fmt.Sprintf("%smodule:%s:%s:ready", prefix, name, version)
}

// ModuleLogKey is the list holding a module's recent log tail.
func ModuleLogKey(name, version string) string {
	return fmt.Sprintf("%smodule:%s:%s:logs", prefix, name, version)
}

// JobKey is the hash holding a job's metadata (module, map, start, end,
// created-at, assigned-to).
func JobKey(token string) string { return prefix + "job:" + token }

// JobResultKey holds the JSON-encoded terminal result for a job.
func JobResultKey(token string) string { return prefix + "job:" + token + ":result" }

// JobEventsChannel is the pub/sub channel signalling a result write.
func JobEventsChannel(token string) string { return prefix + "job:" + token + ":events" }

// JobKeyPattern matches all job hashes, for crash recovery scans.
func JobKeyPattern() string { return prefix + "job:*" }

// PollersKey is the counter rate-limiting concurrent result pollers.
func PollersKey() string { return prefix + "jobs:pollers" }
