/*
Package storage defines the persistence interfaces for the platform's
identity graph and work queue, plus two implementations: an in-memory
reference store and a BoltDB-backed durable store.

# Adapter contract

Every implementation follows the same error taxonomy so services never
inspect adapter-specific errors:

  - Inserting over an existing id (or API key prefix) fails Conflict.
  - Updating a missing record fails NotFound.
  - Lookups return (nil, nil) when the record is absent.

TaskStore carries two extra guarantees the orchestration engine depends on:

  - ListPendingTasks returns tasks in non-decreasing scheduled_at order.
  - UpdateTask removes a task from the pending index in the same critical
    section that changes its status, so no pending-list caller ever sees a
    task that is no longer Pending.

# Implementations

MemoryStore guards the whole dataset with a single RWMutex; each modifying
call takes the write lock exactly once, so cancelled callers never observe
partial state. It is the reference implementation and the default for tests
and in-memory deployments.

BoltStore keeps one bucket per entity plus two index buckets (API key
prefix -> id, pending tasks ordered by tenant and scheduled_at). Records are
serialized as JSON; every store call runs inside a single transaction.
*/
package storage
