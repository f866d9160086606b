package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ExitProtocol is the exit status of a worker process that hit a shared memory protocol error
const ExitProtocol = 3

var command = exec.Command

// LocalSpawner runs workers on goroutines of the current process
type LocalSpawner struct {
	Worker *Worker
}

func (s LocalSpawner) Spawn(ctx context.Context, a Assignment) (Outcome, error) {
	return s.Worker.Run(ctx, a)
}

// ProcessSpawner re-executes a binary as a worker. The assignment goes to the
// child's stdin and the outcome comes back on its stdout; stderr carries logs.
type ProcessSpawner struct {
	Executable string
	Args       []string
	Stderr     io.Writer
}

// NewProcessSpawner spawns the running executable with the worker subcommand
func NewProcessSpawner() (*ProcessSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessSpawner{Executable: exe, Args: []string{"worker"}, Stderr: os.Stderr}, nil
}

func (s *ProcessSpawner) Spawn(_ context.Context, a Assignment) (Outcome, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode assignment: %w", err)
	}

	var stdout bytes.Buffer
	cmd := command(s.Executable, s.Args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = s.Stderr

	runErr := cmd.Run()

	var out Outcome
	decodeErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out)

	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr) && exitErr.ExitCode() == ExitProtocol:
		out.Protocol = true
		if out.Error == "" {
			out.Error = "worker exited on a shared memory protocol error"
		}
		return out, nil
	case runErr != nil:
		return out, fmt.Errorf("worker process: %w", runErr)
	case decodeErr != nil:
		return out, fmt.Errorf("decode worker outcome: %w", decodeErr)
	}
	return out, nil
}

// ServeAssignment is the worker process side of ProcessSpawner. It reads one
// assignment from in, runs it and writes the outcome to out. The returned
// error is a *ProtocolError when the process must exit with ExitProtocol.
func ServeAssignment(ctx context.Context, w *Worker, in io.Reader, out io.Writer) error {
	var a Assignment
	if err := json.NewDecoder(in).Decode(&a); err != nil {
		return fmt.Errorf("decode assignment: %w", err)
	}

	outcome, runErr := w.Run(tracing.ExtractTraceParent(ctx, a.TraceParent), a)
	if err := json.NewEncoder(out).Encode(outcome); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	return runErr
}
