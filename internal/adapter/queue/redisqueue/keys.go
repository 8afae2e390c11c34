// Package redisqueue implements the per-user, visibility-timeout queue
// backed by Redis, per the persisted state layout's cache key scheme.
package redisqueue

const (
	keyUsersReadyList  = "queue:users_ready_list" // round-robin rotation of user ids with ready work
	keyUsersReadySet   = "queue:users_ready"      // set mirror of keyUsersReadyList for O(1) membership checks
	keyInflight        = "queue:inflight"         // hash task_id -> json{worker_id, deadline, retry_count, user_id}
	keyInflightCount   = "queue:inflight_count"   // hash user_id -> current inflight count
	readyKeyPrefix     = "queue:ready:"           // + user_id -> list of ready task ids, FIFO
	itemKeyPrefix      = "queue:item:"            // + task_id -> hash{user_id, not_before, retry_count, enqueued_at}
)
