package tank

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

// Defaults applied when a tank is created or reset by the pool.
const (
	DefaultHealth = 100
)

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidID       = errors.New("invalid tank id")
)

// ID is an arena index. Its wire form is "tank_<n>".
type ID int

func (id ID) String() string {
	return "tank_" + strconv.Itoa(int(id))
}

// MarshalJSON renders the wire form.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidID, data)
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID parses the "tank_<n>" wire form.
func ParseID(s string) (ID, error) {
	rest, ok := strings.CutPrefix(s, "tank_")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(n), nil
}

// Position is a point on the arena grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// ParsePosition decodes a JSON {"x": number, "y": number} object. Both
// coordinates must be present and integral.
func ParsePosition(raw json.RawMessage) (Position, error) {
	if len(raw) == 0 {
		return Position{}, fmt.Errorf("%w: missing", ErrInvalidPosition)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Position{}, fmt.Errorf("%w: not an object", ErrInvalidPosition)
	}
	x, err := integralCoordinate(obj, "x")
	if err != nil {
		return Position{}, err
	}
	y, err := integralCoordinate(obj, "y")
	if err != nil {
		return Position{}, err
	}
	return Position{X: x, Y: y}, nil
}

func integralCoordinate(obj map[string]json.RawMessage, key string) (int, error) {
	raw, ok := obj[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidPosition, key)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidPosition, key)
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidPosition, key)
	}
	return int(f), nil
}

// State is the broadcast snapshot of a tank.
type State struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Health   int      `json:"health"`
	Active   bool     `json:"active"`
}

// Tank is a reusable player avatar. All methods are safe for concurrent use;
// mutations are expected to come from a single writer (the pool or the
// session registry) while State may be read from anywhere.
type Tank struct {
	id        ID
	maxHealth int
	events    telemetry.Publisher

	mu       sync.RWMutex
	position Position
	health   int
	active   bool
}

// New creates an inactive tank at pos with full health.
func New(id ID, pos Position, maxHealth int, events telemetry.Publisher) *Tank {
	if maxHealth <= 0 {
		maxHealth = DefaultHealth
	}
	return &Tank{
		id:        id,
		maxHealth: maxHealth,
		events:    telemetry.OrNop(events),
		position:  pos,
		health:    maxHealth,
	}
}

func (t *Tank) ID() ID { return t.id }

func (t *Tank) MaxHealth() int { return t.maxHealth }

func (t *Tank) Position() Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.position
}

func (t *Tank) Health() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.health
}

func (t *Tank) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Move relocates an active tank. Inactive tanks ignore the request; the
// return value reports whether the move was applied.
func (t *Tank) Move(pos Position) bool {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return false
	}
	t.position = pos
	t.mu.Unlock()

	t.events.Publish(telemetry.TopicTankMoved, telemetry.Fields{
		"tank_id":      t.id.String(),
		"new_position": pos,
	})
	return true
}

// Shoot fires from the current position. Inactive tanks ignore it.
func (t *Tank) Shoot() bool {
	t.mu.RLock()
	active, pos := t.active, t.position
	t.mu.RUnlock()
	if !active {
		return false
	}
	t.events.Publish(telemetry.TopicTankShot, telemetry.Fields{
		"tank_id":  t.id.String(),
		"position": pos,
	})
	return true
}

// TakeDamage lowers health, clamping at zero. A tank at zero health stays
// active and keeps accepting commands. Negative damage is ignored.
func (t *Tank) TakeDamage(damage int) {
	if damage < 0 {
		return
	}
	t.mu.Lock()
	before := t.health
	t.health -= damage
	if t.health < 0 {
		t.health = 0
	}
	health, pos := t.health, t.position
	t.mu.Unlock()

	t.events.Publish(telemetry.TopicTankTookDamage, telemetry.Fields{
		"tank_id":        t.id.String(),
		"damage_amount":  damage,
		"current_health": health,
	})
	if before > 0 && health == 0 {
		t.events.Publish(telemetry.TopicTankDestroyed, telemetry.Fields{
			"tank_id":       t.id.String(),
			"last_position": pos,
		})
	}
}

// Reset restores position and health and forces the tank inactive.
func (t *Tank) Reset(pos Position, health int) {
	if health > t.maxHealth {
		health = t.maxHealth
	}
	if health < 0 {
		health = 0
	}
	t.mu.Lock()
	t.position = pos
	t.health = health
	wasActive := t.active
	t.active = false
	state := t.stateLocked()
	t.mu.Unlock()

	if wasActive {
		t.events.Publish(telemetry.TopicTankDeactivated, telemetry.Fields{"tank_id": t.id.String()})
	}
	t.events.Publish(telemetry.TopicTankReset, telemetry.Fields{
		"tank_id":   t.id.String(),
		"new_state": state,
	})
}

// SetActive flips the active flag. Setting the current value is a no-op.
func (t *Tank) SetActive(active bool) {
	t.mu.Lock()
	if t.active == active {
		t.mu.Unlock()
		return
	}
	t.active = active
	t.mu.Unlock()

	topic := telemetry.TopicTankDeactivated
	if active {
		topic = telemetry.TopicTankActivated
	}
	t.events.Publish(topic, telemetry.Fields{"tank_id": t.id.String()})
}

// State returns a point-in-time snapshot.
func (t *Tank) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked()
}

func (t *Tank) stateLocked() State {
	return State{
		ID:       t.id.String(),
		Position: t.position,
		Health:   t.health,
		Active:   t.active,
	}
}
