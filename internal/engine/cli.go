package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	defaultBinary  = "claude"
	scannerBufSize = 1024 * 1024 // 1 MB
)

// CLI runs turns through the claude command line in stream-json mode.
// Tools run with permissions bypassed, so the Permission callback of a
// Request is not consulted.
type CLI struct {
	// Binary is the executable name or path. Empty means "claude".
	Binary string
	// Args are extra arguments appended to every invocation.
	Args []string
}

// args builds the command line for req.
func (c *CLI) args(req Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-mode", "bypassPermissions",
	}
	if req.Resume != "" {
		args = append(args, "--resume", req.Resume)
	}
	return append(args, c.Args...)
}

func (c *CLI) Run(ctx context.Context, req Request, onRecord func([]byte)) error {
	binary := c.Binary
	if binary == "" {
		binary = defaultBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, binary)
	}

	cmd := exec.CommandContext(ctx, path, c.args(req)...)
	cmd.Dir = req.Dir
	cmd.Env = environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", binary, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logStderr(stderr)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec := make([]byte, len(line))
		copy(rec, line)
		onRecord(rec)
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Drain so the child never blocks on a full pipe.
		io.Copy(io.Discard, stdout)
	}
	<-done

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("read output: %w", scanErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("%s exited with code %d", binary, exitErr.ExitCode())
		}
		return fmt.Errorf("wait %s: %w", binary, waitErr)
	}
	return nil
}

func logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scannerBufSize)
	for scanner.Scan() {
		log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// environ is the current environment without CLAUDECODE, which makes a
// nested claude refuse to start.
func environ() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
