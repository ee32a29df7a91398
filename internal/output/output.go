// Package output delivers one-shot fetch results to stdout or a file.
package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Write sends content to path, creating parent directories, or to stdout
// when path is empty. notices receives the "Saved to" line for file output.
func Write(content, path string, stdout, notices io.Writer) error {
	if path == "" {
		if _, err := fmt.Fprintln(stdout, content); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // user-chosen output file
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Fprintf(notices, "Saved to %s\n", path)
	return nil
}
