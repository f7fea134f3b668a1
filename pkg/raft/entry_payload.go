package raft

import (
	"bytes"
	"fmt"

	"github.com/lattice-kv/raftkv/pkg/codec"
	"github.com/lattice-kv/raftkv/pkg/mvcc"
	"github.com/lattice-kv/raftkv/pkg/raftmsg"
)

// entryPayload is what actually gets stored as a raftlog.Entry's Data:
// a Writes batch plus an optional membership delta, since a single
// log entry may carry both (spec.md §4.2.4 treats config changes as
// just another entry in the same log).
type entryPayload struct {
	Writes    mvcc.Writes
	HasConfig bool
	Config    raftmsg.ConfigChange
}

func encodeEntryPayload(p entryPayload) []byte {
	var buf bytes.Buffer
	writesBytes := codec.EncodeWrites(p.Writes)
	codec.PutBytes(&buf, writesBytes)
	if p.HasConfig {
		buf.WriteByte(1)
		codec.PutBytes(&buf, []byte(p.Config.AddIdentity))
		codec.PutBytes(&buf, []byte(p.Config.AddAddress))
		codec.PutBytes(&buf, []byte(p.Config.RemoveIdentity))
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeEntryPayload exposes an applied log entry's Writes and
// optional config change to external observers, which only ever see
// the raw bytes through Observer.ApplyEntry.
func DecodeEntryPayload(data []byte) (writes mvcc.Writes, hasConfig bool, cfg raftmsg.ConfigChange, err error) {
	p, err := decodeEntryPayload(data)
	if err != nil {
		return mvcc.Writes{}, false, raftmsg.ConfigChange{}, err
	}
	return p.Writes, p.HasConfig, p.Config, nil
}

func decodeEntryPayload(data []byte) (entryPayload, error) {
	r := bytes.NewReader(data)
	writesBytes, err := codec.ReadBytes(r)
	if err != nil {
		return entryPayload{}, fmt.Errorf("decode entry writes: %w", err)
	}
	writes, err := codec.DecodeWrites(writesBytes)
	if err != nil {
		return entryPayload{}, fmt.Errorf("decode entry writes payload: %w", err)
	}
	hasConfigByte, err := r.ReadByte()
	if err != nil {
		return entryPayload{}, codec.ErrTruncated
	}
	p := entryPayload{Writes: writes}
	if hasConfigByte != 0 {
		add, err := codec.ReadBytes(r)
		if err != nil {
			return entryPayload{}, err
		}
		addr, err := codec.ReadBytes(r)
		if err != nil {
			return entryPayload{}, err
		}
		rem, err := codec.ReadBytes(r)
		if err != nil {
			return entryPayload{}, err
		}
		p.HasConfig = true
		p.Config = raftmsg.ConfigChange{
			AddIdentity:    string(add),
			AddAddress:     string(addr),
			RemoveIdentity: string(rem),
		}
	}
	return p, nil
}
