// Package tracker invokes the external bd binary and normalises its JSON
// output.  It is the only place in the daemon that knows how to locate the
// issue database or spawn the CLI; everything above it works with argv
// fragments and normalised Issues.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Error is a tracker invocation failure: a non-zero exit, a spawn failure, or
// non-JSON output from a JSON command.
type Error struct {
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no stderr output"
	}
	return fmt.Sprintf("bd exited with code %d: %s", e.ExitCode, msg)
}

// Result carries the raw outcome of one CLI invocation.
type Result struct {
	Code   int
	Stdout []byte
	Stderr []byte
}

// CLI spawns the bd binary.  All invocations are shell-free: args are passed
// as a list, never interpolated.
type CLI struct {
	bin     string
	workdir string
	dbPath  string // injected as --db unless the caller supplied one; "" = let bd discover
	timeout time.Duration
}

// New creates a CLI adapter.  bin defaults to "bd" when empty.  dbPath may be
// empty, in which case bd's own working-directory discovery applies.
func New(bin, workdir, dbPath string, timeout time.Duration) *CLI {
	if bin == "" {
		bin = "bd"
	}
	return &CLI{bin: bin, workdir: workdir, dbPath: dbPath, timeout: timeout}
}

// Run executes bd with the given args and returns (code, stdout, stderr).
// A spawn failure surfaces as code 127 with the failure in stderr.  When the
// adapter has a timeout configured the child is killed hard on expiry.
func (c *CLI) Run(ctx context.Context, args ...string) Result {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.bin, c.withDB(args)...)
	cmd.Dir = c.workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	switch e := err.(type) {
	case nil:
	case *exec.ExitError:
		res.Code = e.ExitCode()
		if res.Code < 0 {
			// Killed by signal (timeout); report like a generic failure.
			res.Code = 1
		}
		if len(res.Stderr) == 0 {
			res.Stderr = []byte(err.Error())
		}
	default:
		res.Code = 127
		res.Stderr = []byte(err.Error())
	}
	return res
}

// RunJSON executes bd and decodes stdout into out.  Non-zero exits and
// malformed JSON both return a *Error; the latter keeps ExitCode 0.
func (c *CLI) RunJSON(ctx context.Context, out any, args ...string) error {
	res := c.Run(ctx, args...)
	if res.Code != 0 {
		return &Error{ExitCode: res.Code, Stderr: string(res.Stderr)}
	}
	if err := json.Unmarshal(jsonBody(res.Stdout), out); err != nil {
		return &Error{ExitCode: 0, Stderr: fmt.Sprintf("invalid JSON from bd: %v", err)}
	}
	return nil
}

// withDB injects the database-location argument unless the caller already
// supplied one.  This runs once at the process boundary so nothing above the
// adapter has to think about database resolution.
func (c *CLI) withDB(args []string) []string {
	if c.dbPath == "" {
		return args
	}
	for _, a := range args {
		if a == "--db" || strings.HasPrefix(a, "--db=") {
			return args
		}
	}
	return append(append([]string{}, args...), "--db", c.dbPath)
}

// jsonBody trims surrounding whitespace and treats empty output as null so
// that commands printing nothing still decode cleanly.
func jsonBody(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
