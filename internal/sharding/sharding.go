package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the task event stream.
// Same-task events always land on the same shard, which is what gives the
// per-task ordering guarantee; 64 keeps the filter-subject lists on durable
// consumers manageable.
const ShardCount = 64

// GetShardID calculates the deterministic shard ID for a task.
// The partition key is ALWAYS the task id, never the user id: reminders,
// recurrence and audit all depend on same-task events staying in order.
func GetShardID(taskID string) int {
	checksum := crc32.ChecksumIEEE([]byte(taskID))
	return int(checksum % ShardCount)
}

// EventSubject returns the stream subject for a task event.
// Format: task.event.{shard_id}.{task_id}
func EventSubject(taskID string) string {
	return fmt.Sprintf("task.event.%d.%s", GetShardID(taskID), taskID)
}

// ShardSubject returns the wildcard subject covering one shard.
func ShardSubject(shardID int) string {
	return fmt.Sprintf("task.event.%d.>", shardID)
}

// AssignedShards returns the shards owned by worker `index` out of `count`
// cooperating workers in the same consumer group. Assignment is static:
// shard s belongs to worker s mod count.
func AssignedShards(index, count int) []int {
	if count <= 0 {
		count = 1
	}
	if index < 0 {
		index = 0
	}
	shards := make([]int, 0, ShardCount/count+1)
	for s := 0; s < ShardCount; s++ {
		if s%count == index%count {
			shards = append(shards, s)
		}
	}
	return shards
}
