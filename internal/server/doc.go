// Package server exposes the gateway downstream: a TCP line feed that
// fans engine emissions out to connected clients, and an HTTP API for
// queries, order entry, the Prometheus metrics endpoint, and a
// websocket mirror of the line feed.
package server
