// Package gateway exposes a coordinator replica over HTTP.
//
// Two surfaces share one gorilla/mux router:
//
//	Public API                         Internal API (workers)
//	  /connectors[/{name}[/...]]         POST /cluster/heartbeat
//	  /connector-plugins                 GET  /cluster/state
//	  /, /health, /metrics               GET|PUT /cluster/offsets/{connector}
//	                                     POST|GET /topics/{topic}/records
//
// Every replica serves both. Config writes go straight to the shared store,
// so the replica that accepted a write does not need to be the leader; it
// only nudges its local reconciler. Connector reads are cached per replica
// for the configured TTL and invalidated by local writes.
//
// Errors are rendered as {"error_code": "CONV-n", "message": "..."} with the
// HTTP status of their apierror kind. The gateway never retries a write.
package gateway
