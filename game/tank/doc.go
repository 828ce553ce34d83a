// Package tank defines the arena's player avatar.
//
// Tanks are created once by the pool and live for the lifetime of the
// process: they are reset and reassigned, never destroyed. A tank only obeys
// Move and Shoot while active. Damage never deactivates a tank; at zero
// health it is reported destroyed but keeps accepting commands until the
// pool releases it.
//
// Every state transition is published on the tank's telemetry.Publisher.
package tank
