package utils

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ResolveCommand returns the program and arguments needed to run path. Script
// files are run through the interpreter named in their shebang line; anything
// else is looked up in PATH and run directly.
func ResolveCommand(path string, args []string) (string, []string, error) {
	if path == "" {
		return "", nil, fmt.Errorf("ResolveCommand: empty command")
	}

	if _, err := os.Stat(path); err != nil {
		resolved, lookErr := exec.LookPath(path)
		if lookErr != nil {
			return "", nil, fmt.Errorf("ResolveCommand: %s not found: %w", path, lookErr)
		}
		return resolved, args, nil
	}

	interpreter, interpreterArgs, err := getInterpreterFromShebang(path)
	if err != nil {
		return path, args, nil
	}

	full := append(interpreterArgs, path)
	full = append(full, args...)
	return interpreter, full, nil
}

// Helper function to extract interpreter from shebang
func getInterpreterFromShebang(scriptFilePath string) (string, []string, error) {
	file, err := os.Open(scriptFilePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open script file: %w", err)
	}
	defer file.Close()

	header := make([]byte, 256)
	n, err := file.Read(header)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read script file header: %w", err)
	}

	headerStr := string(header[:n])
	lines := strings.Split(headerStr, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		interpreter := strings.TrimSpace(strings.TrimPrefix(lines[0], "#!"))
		parts := strings.Fields(interpreter)
		if len(parts) > 0 {
			return parts[0], parts[1:], nil
		}
	}

	return "", nil, fmt.Errorf("no valid shebang found in %s", scriptFilePath)
}

