// Package cluster holds the wire types and HTTP plumbing shared by the
// coordinator replicas and the worker nodes.
//
// # Overview
//
// Nodes never receive pushed commands. Each node heartbeats to a coordinator
// replica and reads its assignment from the response, so the coordinator can
// be replicated behind a list of endpoints:
//
//	             +---------------------------+
//	             |  coordinator replicas     |
//	             |  (shared store, 1 leader) |
//	             +-------------+-------------+
//	                           ^
//	   POST /cluster/heartbeat |  HeartbeatResponse{generation, phase, tasks}
//	     +---------------------+---------------------+
//	     |                     |                     |
//	+----+----+           +----+----+           +----+----+
//	| node-1  |           | node-2  |           | node-3  |
//	| tasks:  |           | tasks:  |           | tasks:  |
//	| a-0 b-1 |           | b-0     |           | c-0     |
//	+---------+           +---------+           +---------+
//
// # Core Types
//
// TaskID names a task as {connector, task index}. State is the versioned
// cluster snapshot the leader persists after every rebalance step: the
// membership, the generated task configs and the worker to task assignment.
//
// HeartbeatRequest doubles as the rebalance acknowledgement. A node reports
// the generation it last applied together with the tasks it still holds;
// the leader completes a rebalance once every member reports the current
// generation with nothing held.
//
// # Transport
//
// PostJSON, PutJSON and GetJSON wrap a shared http.Client with a 5 second
// timeout. Non-2xx answers become *StatusError so callers can tell a 404
// from a 503. Client adds failover across several coordinator endpoints.
//
// WaitUntil is the bounded polling helper used by tests and by the CLI; it
// reports WaitOk or WaitTimeout instead of blocking forever.
package cluster
