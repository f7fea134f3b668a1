// Package raftlog implements the durable Raft log: one file per log
// entry plus a small metadata file, both written with a
// temp-file-then-rename protocol so a crash mid-write never leaves a
// torn file behind (spec.md §4.1).
package raftlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Metadata is the durable state that must survive a restart
// independent of any single log entry: the current term, who this
// node voted for in that term, and the cluster identity it belongs
// to (so a node can refuse to rejoin the wrong cluster after a disk
// is moved between deployments).
type Metadata struct {
	ClusterID   string `json:"clusterId"`
	CurrentTerm uint64 `json:"currentTerm"`
	VotedFor    string `json:"votedFor"`
}

const metadataFileName = "meta.json"

func loadMetadata(dir string) (Metadata, error) {
	path := filepath.Join(dir, metadataFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// saveMetadata durably persists m: write to a temp file, fsync it,
// rename over the live file, then fsync the containing directory so
// the rename itself is durable.
func saveMetadata(dir string, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileDurably(dir, metadataFileName, data)
}

func writeFileDurably(dir, name string, data []byte) error {
	finalPath := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir %s: %w", dir, err)
	}
	return nil
}
