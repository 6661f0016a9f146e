package redis

// Redis key naming conventions. All keys are prefixed with "loom:" to
// avoid collisions.

const keyPrefix = "loom:"

// taskKey returns the key for a task blob: loom:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// scheduledKey is the Sorted Set of pending task ids scored by run_at
// (unix milliseconds). Claiming pops due members.
const scheduledKey = keyPrefix + "tasks:scheduled"

// taskIDsKey is the Set tracking all task ids for enumeration.
const taskIDsKey = keyPrefix + "task_ids"
