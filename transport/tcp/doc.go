// Package tcp is the line-oriented text ingress.
//
// Each connection is greeted with SERVER_ACK_CONNECTED and then sends one
// command per line. LOGIN authenticates against the oracle and joins a
// session; MOVE and SHOOT are queued for the command consumer and
// acknowledged immediately with SERVER_ACK. Closing the connection removes
// the player from its session and returns the tank to the pool.
package tcp
