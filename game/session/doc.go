// Package session groups players and their tanks into matches.
//
// The session package implements:
//   - Session, a lock-protected roster of player id to tank id
//   - Registry, the orchestration authority over sessions and the
//     player index
//
// Registry:
//
// A single goroutine started with Run owns the session table, the creation
// order and the reverse player index, and it performs every pool acquire or
// release made on behalf of a session. Public methods submit a closure to
// that goroutine and block until it has run, so each call is one atomic
// transaction: there is no lock ordering between the registry, sessions and
// the pool, and cascades such as "last player left, remove the session" never
// expose an intermediate state.
//
// Invariants held after every call:
//
//   - a player is indexed to session s exactly when s's roster contains it
//   - removing the last player from a session removes the session
//   - a tank referenced by a roster is in use in the pool
//
// Stale index entries (a player mapped to a session that no longer holds it)
// are purged on lookup and reported as not found.
//
// Session identifiers:
//
// Sessions are identified by random UUIDs.
//
// Usage:
//
//	p := pool.New(32)
//	reg := session.NewRegistry(p)
//	go reg.Run(ctx)
//
//	sess, tankID, err := reg.Join("player1", addr, session.TransportTCP, 8)
//	if err != nil {
//		return err
//	}
//
//	err = reg.ApplyToPlayerTank("player1", func(_ *session.Session, t *tank.Tank) {
//		t.Shoot()
//	})
package session
