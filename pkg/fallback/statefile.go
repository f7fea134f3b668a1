package fallback

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stateMagic guards against loading a file written by something else
// entirely; stateVersion lets the on-disk layout evolve later (spec.md
// §6's fallback state file: "magic=0xE2BD1A96, formatVersion=1").
const (
	stateMagic   uint32 = 0xE2BD1A96
	stateVersion uint32 = 1
)

// persistedState is the fallback controller's durable bookkeeping:
// which target was last active, and when each target (plus the
// standalone store) last served a transaction, so hysteresis timers
// survive a restart.
type persistedState struct {
	numTargets           int
	currentTargetIndex   int
	standaloneLastActive time.Time
	targetLastActive     []time.Time
}

// loadState reads path, returning a zero-value persistedState (index
// -1, no last-active times) if the file is absent or its numTargets
// disagrees with the configured target count — spec.md §6: "If
// numTargets disagrees with configured targets, the file is ignored
// and defaults apply."
func loadState(path string, numTargets int) persistedState {
	defaults := persistedState{numTargets: numTargets, currentTargetIndex: -1, targetLastActive: make([]time.Time, numTargets)}

	data, err := os.ReadFile(path)
	if err != nil {
		return defaults
	}
	r := bytes.NewReader(data)

	var magic, version, count uint32
	var idx int32
	var standaloneMillis int64
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil || magic != stateMagic {
		return defaults
	}
	if err := binary.Read(r, binary.BigEndian, &version); err != nil || version != stateVersion {
		return defaults
	}
	if err := binary.Read(r, binary.BigEndian, &count); err != nil || int(count) != numTargets {
		return defaults
	}
	if err := binary.Read(r, binary.BigEndian, &idx); err != nil {
		return defaults
	}
	if err := binary.Read(r, binary.BigEndian, &standaloneMillis); err != nil {
		return defaults
	}
	perTarget := make([]time.Time, numTargets)
	for i := 0; i < numTargets; i++ {
		var millis int64
		if err := binary.Read(r, binary.BigEndian, &millis); err != nil {
			return defaults
		}
		if millis != 0 {
			perTarget[i] = time.UnixMilli(millis)
		}
	}

	st := persistedState{numTargets: numTargets, currentTargetIndex: int(idx), targetLastActive: perTarget}
	if standaloneMillis != 0 {
		st.standaloneLastActive = time.UnixMilli(standaloneMillis)
	}
	return st
}

// saveState durably overwrites path with st, using the same
// temp-then-rename protocol as the Raft log's metadata file
// (pkg/raftlog) so a crash mid-write never leaves a torn state file.
func saveState(path string, st persistedState) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, stateMagic)
	binary.Write(&buf, binary.BigEndian, stateVersion)
	binary.Write(&buf, binary.BigEndian, uint32(st.numTargets))
	binary.Write(&buf, binary.BigEndian, int32(st.currentTargetIndex))
	binary.Write(&buf, binary.BigEndian, millisOf(st.standaloneLastActive))
	for i := 0; i < st.numTargets; i++ {
		var t time.Time
		if i < len(st.targetLastActive) {
			t = st.targetLastActive[i]
		}
		binary.Write(&buf, binary.BigEndian, millisOf(t))
	}

	dir := filepath.Dir(path)
	name := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp fallback state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write fallback state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync fallback state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close fallback state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename fallback state file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func millisOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
