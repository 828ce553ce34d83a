// Package websocket pushes live arena state to spectators.
//
// A central Hub goroutine owns the set of connections, keyed by the session
// they watch. Each connection gets a reader and a writer goroutine; the
// reader only exists to notice disconnects and answer pings.
//
// Two kinds of message go out, both JSON:
//
//	{"session_id": "...", "event": "state_update", "tanks": [...]}
//	{"session_id": "...", "event": "tank_moved", "data": {...}}
//
// The first comes from the periodic broadcaster, the second from the hub
// acting as a telemetry.Publisher. Spectators connecting with the session
// id "*" receive messages for every session.
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//		hub.ServeWS(w, r, r.URL.Query().Get("session_id"))
//	})
package websocket
