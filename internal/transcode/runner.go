// Package transcode converts uploaded source files into the resolution ladder
// served by the streaming endpoint. The source is split once into fixed-length
// segments, each segment is re-encoded per target resolution, and the results
// are concatenated back into one file per resolution.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes an external media tool and returns its stdout. Stderr is
// routed to the log; ffmpeg writes its progress chatter there.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner invokes real ffmpeg/ffprobe binaries.
type ExecRunner struct {
	Logger *slog.Logger
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &logLineWriter{logger: logger, tool: name}
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

// logLineWriter forwards tool output to the logger one trimmed line at a
// time.
type logLineWriter struct {
	logger *slog.Logger
	tool   string
}

func (w *logLineWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("tool output", "tool", w.tool, "line", string(line))
	}
	return total, nil
}
