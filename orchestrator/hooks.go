// SPDX-License-Identifier: LGPL-3.0-or-later

package orchestrator

import (
	"bytes"
	"fmt"
	"os/exec"

	"backupvault/logger"
)

// runHook invokes command through the shell if set, capturing combined
// output for the log. An empty command is a no-op, not an error.
func runHook(kind, command string, log logger.Logger) error {
	if command == "" {
		return nil
	}

	log.Info("running hook", "kind", kind, "command", command)

	cmd := exec.Command("sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s hook failed: %w\noutput: %s", kind, err, out.String())
	}
	return nil
}
