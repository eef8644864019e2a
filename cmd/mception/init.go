package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mception/mception/internal/defaults"
)

// runInit initializes an mception working directory with default files.
// It creates the data directory, writes a starter hub config with a
// freshly generated token secret, and drops an example agent config
// next to it. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing mception workspace in %s\n", dir)

	// Create the base directory and the data subdirectory.
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The starter config ships with a real secret rather than a
	// placeholder: a hub with a guessable or empty secret would mint
	// forgeable credentials.
	secret, err := generateSecret()
	if err != nil {
		return fmt.Errorf("generate token secret: %w", err)
	}
	hubConfig := bytes.Replace(defaults.HubConfigYAML,
		[]byte(`"${MCEPTION_TOKEN_SECRET}"`),
		[]byte(`"`+secret+`"`), 1)

	// Hub config holds the token secret, so restrict permissions.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, hubConfig, 0o600); err != nil {
		return err
	}

	agentPath := filepath.Join(dir, "agent.example.yaml")
	if err := writeIfMissing(w, agentPath, defaults.AgentConfigYAML, 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then start the hub with: mception serve")
	fmt.Fprintln(w, "Mint a worker token with: mception token <agent-id>")
	return nil
}

// generateSecret returns a hex-encoded 32-byte random secret for
// signing forwarding and tunnel tokens.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// writeIfMissing writes data to path with the given mode only if the
// file does not already exist, so init never overwrites user
// customizations. It reports what it did on w.
func writeIfMissing(w io.Writer, path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if os.IsExist(err) {
			fmt.Fprintf(w, "  - %s exists, skipping\n", path)
			return nil
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
