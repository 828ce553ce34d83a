package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wricardo/mcp-training/tankarena/game/tank"
)

var (
	ErrMalformedCommand = errors.New("malformed command")
)

// Verb is the action a command asks a tank to perform.
type Verb string

const (
	VerbMove  Verb = "move"
	VerbShoot Verb = "shoot"
)

// Details carries verb-specific payload. TankID and Source are
// informational: the consumer always resolves the tank from the player.
type Details struct {
	TankID      string          `json:"tank_id,omitempty"`
	NewPosition json.RawMessage `json:"new_position,omitempty"`
	Source      string          `json:"source,omitempty"`
}

// Command is the queue record.
type Command struct {
	PlayerID string  `json:"player_id"`
	Verb     Verb    `json:"command"`
	Details  Details `json:"details"`

	// Position is the decoded new_position of a move.
	Position tank.Position `json:"-"`
}

const schemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["player_id", "command", "details"],
	"properties": {
		"player_id": {"type": "string", "minLength": 1},
		"command": {"enum": ["move", "shoot"]},
		"details": {
			"type": "object",
			"properties": {
				"tank_id": {"type": "string"},
				"source": {"type": "string"},
				"new_position": {"type": "object"}
			}
		}
	}
}`

var schema = jsonschema.MustCompileString("command.schema.json", schemaText)

// NewMove builds a move record.
func NewMove(playerID string, tankID tank.ID, pos tank.Position, source string) Command {
	raw, _ := json.Marshal(pos)
	return Command{
		PlayerID: playerID,
		Verb:     VerbMove,
		Details:  Details{TankID: tankID.String(), NewPosition: raw, Source: source},
		Position: pos,
	}
}

// NewShoot builds a shoot record.
func NewShoot(playerID string, tankID tank.ID, source string) Command {
	return Command{
		PlayerID: playerID,
		Verb:     VerbShoot,
		Details:  Details{TankID: tankID.String(), Source: source},
	}
}

// Encode renders the wire form.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Parse decodes and validates a queue record. Every failure wraps
// ErrMalformedCommand: bad JSON, missing fields, unknown verbs and a move
// without a valid integral new_position.
func Parse(body []byte) (Command, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if err := schema.Validate(doc); err != nil {
		return Command{}, fmt.Errorf("%w: %s", ErrMalformedCommand, validationSummary(err))
	}

	var cmd Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if cmd.Verb == VerbMove {
		pos, err := tank.ParsePosition(cmd.Details.NewPosition)
		if err != nil {
			return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		cmd.Position = pos
	}
	return cmd, nil
}

func validationSummary(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	leaves := verr.BasicOutput().Errors
	parts := make([]string, 0, len(leaves))
	for _, e := range leaves {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, loc+": "+e.Error)
	}
	if len(parts) == 0 {
		return verr.Error()
	}
	return strings.Join(parts, "; ")
}
