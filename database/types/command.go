package types

import (
	"fmt"

	"github.com/Masterminds/squirrel"
)

// Command is a parameterized statement.
type Command struct {
	Text string
	Args []any
}

// NewCommand creates a Command from text and positional arguments.
func NewCommand(text string, args ...any) Command {
	return Command{Text: text, Args: args}
}

// CommandFrom renders a squirrel builder into a Command.
func CommandFrom(s squirrel.Sqlizer) (Command, error) {
	text, args, err := s.ToSql()
	if err != nil {
		return Command{}, fmt.Errorf("failed to build command: %w", err)
	}
	return Command{Text: text, Args: args}, nil
}

func (c Command) String() string {
	return c.Text
}
