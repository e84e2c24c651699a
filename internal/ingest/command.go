package ingest

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// Command populates the index by running an external program. The program
// is killed when ctx is done.
type Command struct {
	args []string
	dir  string
}

func NewCommand(args []string, dir string) (*Command, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, fmt.Errorf("ingest command is empty")
	}
	return &Command{args: args, dir: dir}, nil
}

func (c *Command) Ingest(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	cmd.Dir = c.dir
	log.Info().Strs("command", c.args).Msg("Running ingestion command")
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		log.Debug().Str("output", string(out)).Msg("Ingestion command output")
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("ingestion command did not finish: %w", ctxErr)
	}
	if err != nil {
		return fmt.Errorf("ingestion command failed: %w", err)
	}
	return nil
}
