package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Command struct {
	Program string
	Args    []string
	Dir     string
	// Env is appended to the current environment.
	Env     map[string]string
	Stdin   io.Reader
	Output  io.Writer
}

type Result struct {
	ExitCode int
	Output   string
}

func New(program string, args ...string) *Command {
	return &Command{Program: program, Args: args, Env: make(map[string]string)}
}

func (c *Command) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := os.Environ()
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s=%s", key, c.Env[key]))
	}
	return env
}

// Run executes the command and captures its combined output. A non-zero exit
// is reported through Result.ExitCode together with a non-nil error.
func (c *Command) Run(ctx context.Context) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Program, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Environ()
	cmd.Stdin = c.Stdin

	buf := &bytes.Buffer{}
	var out io.Writer = buf
	if c.Output != nil {
		out = io.MultiWriter(buf, c.Output)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := &Result{Output: buf.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, errors.Wrapf(err, "Command %s exited with code %d", c.Program, res.ExitCode)
	default:
		res.ExitCode = -1
		return res, errors.Wrapf(err, "Failed to run %s", c.Program)
	}
}

// LogWriter forwards complete output lines to a logger at debug level.
type LogWriter struct {
	logger *zap.Logger
	mu     sync.Mutex
	buf    []byte
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *LogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.logger.Debug(string(w.buf))
		w.buf = nil
	}
}
