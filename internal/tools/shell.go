package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// bashErrorTail bounds how much command output rides along with a non-zero
// exit error.
const bashErrorTail = 2048

// bashHandler runs a command through bash in the workspace directory. The
// allowlist check happens in Policy before this handler is reached; the
// handler itself only executes and captures output.
func bashHandler(workspace string) Handler {
	return func(ctx context.Context, _ string, input map[string]any) (any, error) {
		command := stringArg(input, "command")

		cmd := exec.CommandContext(ctx, "bash", "-c", command)
		cmd.Dir = workspace
		out, err := cmd.CombinedOutput()
		if err != nil {
			tail := string(out)
			if len(tail) > bashErrorTail {
				tail = tail[len(tail)-bashErrorTail:]
			}
			if strings.TrimSpace(tail) == "" {
				return nil, fmt.Errorf("command failed: %w", err)
			}
			return nil, fmt.Errorf("command failed: %w\n%s", err, tail)
		}
		return string(out), nil
	}
}
