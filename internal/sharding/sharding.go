package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of event partitions.
const ShardCount = 1024

// EventSubjectPrefix is the subject root of every published todo event.
const EventSubjectPrefix = "app.event"

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// EventSubject returns the subject an aggregate's events are published on.
// Format: app.event.{shard_id}.{entity_type}.{entity_id}
func EventSubject(entityType, entityID string) string {
	return fmt.Sprintf("%s.%d.%s.%s", EventSubjectPrefix, GetShardID(entityID), entityType, entityID)
}

// EventWildcard matches every event subject.
func EventWildcard() string {
	return EventSubjectPrefix + ".>"
}
