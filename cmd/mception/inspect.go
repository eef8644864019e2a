package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mception/mception/internal/audit"
	"github.com/mception/mception/internal/config"
	"github.com/mception/mception/internal/registry"
)

// The inspection subcommands read the hub's persisted state directly
// instead of calling a running hub, so they work whether or not the
// server is up. The audit store's busy timeout covers concurrent reads
// while the hub is writing.

// loadSnapshot reads the persisted registry document. A missing file is
// not an error: a hub that has never run simply has an empty registry.
func loadSnapshot(configPath string) (*registry.Snapshot, *config.Config, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	prov := registry.NewFileProvider(cfg.Storage.RegistryPath)
	if !prov.Exists() {
		return registry.NewSnapshot(), cfg, nil
	}
	snap, err := prov.Load()
	if err != nil {
		return nil, nil, err
	}
	return snap, cfg, nil
}

// runShowConfig prints the registry snapshot.
func runShowConfig(w io.Writer, configPath, outputFmt string) error {
	snap, _, err := loadSnapshot(configPath)
	if err != nil {
		return err
	}

	switch outputFmt {
	case "json":
		return writeJSONIndent(w, snap)
	case "yaml":
		return writeYAML(w, snap)
	}

	fmt.Fprintln(w, "Registry snapshot")
	fmt.Fprintf(w, "  version:       %s\n", snap.Meta.Version)
	fmt.Fprintf(w, "  created:       %s\n", snap.Meta.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  last modified: %s\n", snap.Meta.LastModified.Format(time.RFC3339))
	fmt.Fprintln(w)
	printLeaves(w, snap)
	fmt.Fprintln(w)
	printAgents(w, snap)
	return nil
}

// runShowAudit prints audit log entries, newest first. args carries the
// subcommand's own flags: -limit N, -action A, -target T, -actor U.
func runShowAudit(w io.Writer, configPath, outputFmt string, args []string) error {
	var q audit.Query
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-limit" && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid -limit value: %q", args[i+1])
			}
			q.Limit = n
			i++
		case args[i] == "-action" && i+1 < len(args):
			q.Action = args[i+1]
			i++
		case args[i] == "-target" && i+1 < len(args):
			q.Target = args[i+1]
			i++
		case args[i] == "-actor" && i+1 < len(args):
			q.Actor = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown show-audit argument: %s", args[i])
		}
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Opening the database would create an empty file, so a hub that
	// has never recorded anything is detected by path instead.
	var entries []audit.Entry
	if _, statErr := os.Stat(cfg.Storage.AuditDB); statErr == nil {
		db, err := sql.Open("sqlite3", cfg.Storage.AuditDB+"?_busy_timeout=5000")
		if err != nil {
			return fmt.Errorf("open audit database %s: %w", cfg.Storage.AuditDB, err)
		}
		defer db.Close()

		trail, err := audit.NewStore(db)
		if err != nil {
			return fmt.Errorf("init audit store: %w", err)
		}
		entries, err = trail.Entries(q)
		if err != nil {
			return err
		}
	}

	switch outputFmt {
	case "json":
		if entries == nil {
			entries = []audit.Entry{}
		}
		return writeJSONIndent(w, entries)
	case "yaml":
		if entries == nil {
			entries = []audit.Entry{}
		}
		return writeYAML(w, entries)
	}

	fmt.Fprintf(w, "Audit log entries (%d):\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(w, "  [%d] %s  %s %s by %s\n",
			e.Seq, e.Time.Format("2006-01-02 15:04:05"), e.Action, e.Target, e.Actor)
		fmt.Fprintf(w, "      reason: %s\n", e.Reason)
	}
	return nil
}

// runListMCPs lists registered leaf MCPs.
func runListMCPs(w io.Writer, configPath, outputFmt string) error {
	snap, _, err := loadSnapshot(configPath)
	if err != nil {
		return err
	}

	switch outputFmt {
	case "json":
		return writeJSONIndent(w, sortedLeaves(snap))
	case "yaml":
		return writeYAML(w, sortedLeaves(snap))
	}

	printLeaves(w, snap)
	return nil
}

// runListAgents lists registered agents.
func runListAgents(w io.Writer, configPath, outputFmt string) error {
	snap, _, err := loadSnapshot(configPath)
	if err != nil {
		return err
	}

	switch outputFmt {
	case "json":
		return writeJSONIndent(w, sortedAgents(snap))
	case "yaml":
		return writeYAML(w, sortedAgents(snap))
	}

	printAgents(w, snap)
	return nil
}

// runExport writes a copy of the registry document. With no path it
// creates a timestamped backup next to the registry file; with a path
// it writes the snapshot there, as JSON or as YAML with -o yaml.
func runExport(w io.Writer, configPath, outputFmt, path string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	prov := registry.NewFileProvider(cfg.Storage.RegistryPath)
	if !prov.Exists() {
		return fmt.Errorf("nothing to export: no registry at %s", cfg.Storage.RegistryPath)
	}

	if path == "" {
		dst, err := prov.Backup()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Registry backed up to %s\n", dst)
		return nil
	}

	snap, err := prov.Load()
	if err != nil {
		return err
	}

	var data []byte
	if outputFmt == "yaml" {
		data, err = yamlBytes(snap)
	} else {
		data, err = json.MarshalIndent(snap, "", "  ")
		if err == nil {
			data = append(data, '\n')
		}
	}
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(w, "Registry exported to %s\n", path)
	return nil
}

func printLeaves(w io.Writer, snap *registry.Snapshot) {
	fmt.Fprintf(w, "Leaf MCPs (%d):\n", len(snap.Leaves))
	for _, l := range sortedLeaves(snap) {
		name := l.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Fprintf(w, "  - %s: %s\n", l.ID, name)
		fmt.Fprintf(w, "    transport: %s, local: %v\n", l.Transport, l.IsLocal)
	}
}

func printAgents(w io.Writer, snap *registry.Snapshot) {
	fmt.Fprintf(w, "Agents (%d):\n", len(snap.Agents))
	for _, a := range sortedAgents(snap) {
		name := a.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Fprintf(w, "  - %s: %s\n", a.ID, name)
		fmt.Fprintf(w, "    connected: %v, allowed: %v\n", a.Connected, a.AllowedMCPIDs)
		if a.LastSeen != nil {
			fmt.Fprintf(w, "    last seen: %s\n", a.LastSeen.Format(time.RFC3339))
		}
	}
}

func sortedLeaves(snap *registry.Snapshot) []registry.Leaf {
	out := make([]registry.Leaf, 0, len(snap.Leaves))
	for _, l := range snap.Leaves {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedAgents(snap *registry.Snapshot) []registry.Agent {
	out := make([]registry.Agent, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func writeJSONIndent(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML renders v as YAML. The value is round-tripped through its
// JSON form first so the YAML output carries the same field names as
// the JSON output.
func writeYAML(w io.Writer, v any) error {
	data, err := yamlBytes(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func yamlBytes(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, err
	}
	return yaml.Marshal(plain)
}
