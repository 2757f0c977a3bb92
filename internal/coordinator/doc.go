// Package coordinator implements the control plane that decides which worker
// runs which connector task.
//
// # Overview
//
// The coordinator never pushes work to nodes. Workers heartbeat to any
// coordinator replica and receive their assignment in the response. All
// replicas share one store; exactly one of them holds the leader lease and
// runs the reconciler that writes new cluster states.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────┐
//	│                 COORDINATOR REPLICA              │
//	├──────────────────────────────────────────────────┤
//	│                                                  │
//	│  ┌────────────────┐      ┌────────────────────┐  │
//	│  │ LeaderElector  │─────▶│ Reconciler         │  │
//	│  │ lease renewal  │      │ wakeup + ticker    │  │
//	│  └────────────────┘      └─────────┬──────────┘  │
//	│                                    │             │
//	│  ┌────────────────┐      ┌─────────▼──────────┐  │
//	│  │ Membership     │      │ Planner            │  │
//	│  │ Monitor        │      │ desired tasks,     │  │
//	│  │ evicts expired │      │ Assign, PhaseFSM   │  │
//	│  └────────────────┘      └─────────┬──────────┘  │
//	│                                    │             │
//	│  ┌─────────────────────────────────▼──────────┐  │
//	│  │ storage.Store                              │  │
//	│  │ configs · members · cluster state · lease  │  │
//	│  └─────────────────────────────────▲──────────┘  │
//	│                                    │             │
//	│  ┌─────────────────────────────────┴──────────┐  │
//	│  │ Coordinator.Heartbeat (every replica)      │  │
//	│  └────────────────────────────────────────────┘  │
//	└──────────────────────────────────────────────────┘
//
// # Cluster Phases
//
//	           begin_rebalance
//	┌────────┐ ───────────────▶ ┌─────────────┐
//	│ stable │                  │ rebalancing │──┐ begin_rebalance
//	└────────┘ ◀─────────────── └─────────────┘◀─┘ (new change)
//	           complete_rebalance
//
// A change to the desired tasks (connector created, updated, deleted) or to
// the live membership starts a new generation in the rebalancing phase. The
// target assignment is computed at that point and stored with the state,
// but heartbeat responses carry no tasks until every member reported the new
// generation with nothing held. Only then does the state become stable and
// workers receive their tasks. A task therefore never runs on two workers,
// even while it moves.
//
// # Assignment
//
// Assign is a pure function of the sorted worker ids and task ids: each
// connector's tasks are dealt round robin starting at an fnv32a offset of the
// connector name. Any replica, or a new leader after failover, computes the
// same result.
//
// # Failure Handling
//
//   - A worker that misses heartbeats for the session timeout drops out of
//     the live membership, which starts a new generation without it. The
//     worker fences itself one heartbeat interval earlier.
//   - A connector whose task generation fails gets no tasks and an entry in
//     ConnectorErrors; other connectors are unaffected.
//   - A deposed leader's write fails the version check in SaveClusterState.
//   - Pause, resume and restart requests do not start a rebalance: they are
//     read from the store on every heartbeat of a stable generation.
package coordinator
