package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/LilliaElaine/camrelay/internal/logging"
	"golang.org/x/sync/errgroup"
)

const (
	commandReadSize = 64 * 1024
	commandStopWait = 3 * time.Second
)

// Command runs an encoder such as rpicam-vid and forwards its stdout, chunk by
// chunk, to a publisher. The stream is not reframed: every read is published
// as-is.
type Command struct {
	args    []string
	publish PublishFunc
	log     *slog.Logger
}

// NewCommand parses a whitespace-separated command line.
func NewCommand(cmdline string, publish PublishFunc, logger *slog.Logger) (*Command, error) {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return nil, errors.New("capture: empty encoder command")
	}
	return &Command{
		args:    args,
		publish: publish,
		log:     logging.WithServer(logger, "capture").With("source", "command", "bin", args[0]),
	}, nil
}

// Run starts the encoder and pumps its output until it exits or ctx is
// cancelled. The encoder gets an interrupt on cancellation and is killed if
// it does not exit in time.
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.args[0], c.args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = commandStopWait

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open encoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open encoder stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", c.args[0], err)
	}
	c.log.Info("Encoder started", "pid", cmd.Process.Pid)

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := c.pump(stdout); err != nil {
			// The sink is gone; stop the encoder instead of leaving it blocked
			// on a full pipe.
			_ = cmd.Process.Kill()
			return err
		}
		return nil
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.log.Debug("encoder", "line", scanner.Text())
		}
		return nil
	})

	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		c.log.Info("Encoder stopped")
		return nil
	}
	if pumpErr != nil {
		return pumpErr
	}
	if waitErr != nil {
		return fmt.Errorf("encoder exited: %w", waitErr)
	}
	return errors.New("encoder exited")
}

func (c *Command) pump(r io.Reader) error {
	buf := make([]byte, commandReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if perr := c.publish(buf[:n]); perr != nil {
				return fmt.Errorf("publish encoder output: %w", perr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read encoder output: %w", err)
		}
	}
}
