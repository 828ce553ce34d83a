// Package udp is the JSON datagram ingress. Datagrams are envelopes of the
// form {"player_id": "...", "action": "join_game|move|shoot|leave_game",
// "position": {"x": 1, "y": 2}}. The same socket carries the periodic
// game_state broadcast back to UDP players.
package udp
