// Package worker runs connector tasks on a node under the direction of the
// coordinator.
//
// # Overview
//
// A worker owns a set of TaskRunners, one per assigned task. It learns its
// assignment from heartbeat responses and never talks to other workers.
// Every task it runs reaches topics and committed offsets through the
// coordinator API, so a task can move to any node between generations.
//
// # Task Lifecycle
//
//	            start                 pause
//	UNASSIGNED ───────▶ RUNNING ◀─────────────▶ PAUSED
//	     ▲                 │        resume        │
//	     │                 │ fail                 │ fail
//	     │                 ▼                      │
//	     │              FAILED ◀──────────────────┘
//	     │                 │
//	     └──── revoke ─────┴──── (from any state)
//
// Pause and resume happen in place: the poll loop parks and the task keeps
// its open files and positions. A failed task stays FAILED with its error
// trace until the coordinator bumps its restart counter, which makes the
// worker revoke it and start a fresh instance.
//
// # Rebalance Protocol
//
//	worker                         coordinator
//	  │  heartbeat(gen=G, held=[a,b])   │
//	  │────────────────────────────────▶│  leader bumps to G+1, phase=rebalancing
//	  │  gen=G+1, rebalancing, tasks=[] │
//	  │◀────────────────────────────────│
//	  │  revoke a, b (synchronous)      │
//	  │  heartbeat(gen=G+1, held=[])    │
//	  │────────────────────────────────▶│  all members acked: phase=stable
//	  │  gen=G+1, stable, tasks=[b,c]   │
//	  │◀────────────────────────────────│
//	  │  start b, c                     │
//
// Responses older than the last applied generation are ignored, so a slow
// coordinator replica cannot hand out an outdated assignment.
//
// # Session Fencing
//
// The heartbeat send time of the last successful round is kept as the
// session start. The fence deadline lies one heartbeat interval (at most
// half the session) before the session timeout; Run waits on it alongside
// the heartbeat ticker. When no round succeeds by then the worker revokes
// everything, before the coordinator can hand those tasks to another node.
//
// Assign and Revoke expose the per-task steps Apply performs for a whole
// assignment.
package worker
