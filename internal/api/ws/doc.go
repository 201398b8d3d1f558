// Package ws streams worker lifecycle events to websocket clients.
//
// Each connection subscribes to the launcher's event bus under a fresh
// uuid. The server sends a system greeting carrying that id, then one
// {"type":"event","event":{...}} message per event. Clients may send:
//
//	{"type":"ping"}                                  answered with pong
//	{"type":"filter","events":["worker.died",...]}   only forward these types
//	{"type":"filter"}                                forward everything again
//
// A client too slow to keep up misses events rather than stalling the
// launcher. The stream closes with CloseGoingAway when the launcher shuts
// down.
package ws
