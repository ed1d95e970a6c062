// Package pool manages the fleet of authenticated clients: concurrent
// bring-up from config, region-keyed dispatch, periodic heartbeat cycles
// with reconnect on silence, and PID-file bookkeeping for crash recovery.
package pool
