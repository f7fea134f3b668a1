package raftmsg

import (
	"bytes"
	"fmt"

	"github.com/lattice-kv/raftkv/pkg/codec"
)

func putHeader(buf *bytes.Buffer, h Header) {
	buf.WriteByte(h.Version)
	codec.PutBytes(buf, []byte(h.ClusterID))
	codec.PutBytes(buf, []byte(h.SenderID))
	codec.PutBytes(buf, []byte(h.RecipientID))
	codec.PutUvarint(buf, h.Term)
}

func readHeader(r *bytes.Reader) (Header, error) {
	var h Header
	v, err := r.ReadByte()
	if err != nil {
		return h, codec.ErrTruncated
	}
	h.Version = v

	cluster, err := codec.ReadBytes(r)
	if err != nil {
		return h, err
	}
	sender, err := codec.ReadBytes(r)
	if err != nil {
		return h, err
	}
	recipient, err := codec.ReadBytes(r)
	if err != nil {
		return h, err
	}
	term, err := codec.ReadUvarint(r)
	if err != nil {
		return h, err
	}
	h.ClusterID = string(cluster)
	h.SenderID = string(sender)
	h.RecipientID = string(recipient)
	h.Term = term
	return h, nil
}

func putEntries(buf *bytes.Buffer, entries []Entry) {
	codec.PutUvarint(buf, uint64(len(entries)))
	for _, e := range entries {
		codec.PutUvarint(buf, e.Index)
		codec.PutUvarint(buf, e.Term)
		codec.PutBytes(buf, e.Data)
	}
}

func readEntries(r *bytes.Reader) ([]Entry, error) {
	n, err := codec.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		index, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		term, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		data, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Index: index, Term: term, Data: data})
	}
	return entries, nil
}

// Encode serializes a message value into a type-tagged frame ready
// for Transport.Send. Supported types are the request/response structs
// defined in message.go; any other value is an error.
func Encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case AppendRequest:
		buf.WriteByte(byte(TypeAppendRequest))
		putHeader(&buf, m.Header)
		codec.PutVarint(&buf, m.LeaderTs)
		codec.PutVarint(&buf, m.LeaseTimeout)
		codec.PutUvarint(&buf, m.PrevLogIndex)
		codec.PutUvarint(&buf, m.PrevLogTerm)
		putEntries(&buf, m.Entries)
		codec.PutUvarint(&buf, m.LeaderCommit)
	case AppendResponse:
		buf.WriteByte(byte(TypeAppendResponse))
		putHeader(&buf, m.Header)
		codec.PutVarint(&buf, m.LeaderTsEcho)
		putBool(&buf, m.Success)
		codec.PutUvarint(&buf, m.MatchIndex)
		codec.PutUvarint(&buf, m.ConflictIndex)
		codec.PutUvarint(&buf, m.ConflictTerm)
	case RequestVoteRequest:
		buf.WriteByte(byte(TypeRequestVoteRequest))
		putHeader(&buf, m.Header)
		codec.PutUvarint(&buf, m.LastLogIndex)
		codec.PutUvarint(&buf, m.LastLogTerm)
	case RequestVoteResponse:
		buf.WriteByte(byte(TypeRequestVoteResponse))
		putHeader(&buf, m.Header)
		putBool(&buf, m.VoteGranted)
	case InstallSnapshotRequest:
		buf.WriteByte(byte(TypeInstallSnapshotRequest))
		putHeader(&buf, m.Header)
		codec.PutUvarint(&buf, m.LastIncludedIndex)
		codec.PutUvarint(&buf, m.LastIncludedTerm)
		codec.PutUvarint(&buf, m.Offset)
		codec.PutBytes(&buf, m.Data)
		putBool(&buf, m.Done)
		codec.PutUvarint(&buf, uint64(len(m.Membership)))
		for _, p := range m.Membership {
			codec.PutBytes(&buf, []byte(p.ID))
			codec.PutBytes(&buf, []byte(p.Address))
		}
	case InstallSnapshotResponse:
		buf.WriteByte(byte(TypeInstallSnapshotResponse))
		putHeader(&buf, m.Header)
	case CommitRequest:
		buf.WriteByte(byte(TypeCommitRequest))
		putHeader(&buf, m.Header)
		codec.PutBytes(&buf, []byte(m.TxID))
		codec.PutUvarint(&buf, m.BaseTerm)
		codec.PutUvarint(&buf, m.BaseIndex)
		putBool(&buf, m.ReadOnly)
		codec.PutBytes(&buf, m.ReadsData)
		codec.PutBytes(&buf, m.WritesData)
		putBool(&buf, m.HasConfig)
		codec.PutBytes(&buf, []byte(m.Config.AddIdentity))
		codec.PutBytes(&buf, []byte(m.Config.AddAddress))
		codec.PutBytes(&buf, []byte(m.Config.RemoveIdentity))
	case CommitResponse:
		buf.WriteByte(byte(TypeCommitResponse))
		putHeader(&buf, m.Header)
		codec.PutBytes(&buf, []byte(m.TxID))
		buf.WriteByte(byte(m.Status))
		codec.PutUvarint(&buf, m.CommitTerm)
		codec.PutUvarint(&buf, m.CommitIndex)
		putBool(&buf, m.HasLeaseDeadline)
		codec.PutVarint(&buf, m.LeaseDeadlineUnixNano)
	default:
		return nil, fmt.Errorf("raftmsg: unsupported message type %T", msg)
	}
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode: it inspects the leading type tag
// and returns the concrete message value (as any) that Encode produced.
func Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, codec.ErrTruncated
	}
	r := bytes.NewReader(data[1:])
	switch Type(data[0]) {
	case TypeAppendRequest:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		leaderTs, err := codec.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		leaseTimeout, err := codec.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		prevIdx, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		prevTerm, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries, err := readEntries(r)
		if err != nil {
			return nil, err
		}
		commit, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		return AppendRequest{
			Header: h, LeaderTs: leaderTs, LeaseTimeout: leaseTimeout,
			PrevLogIndex: prevIdx, PrevLogTerm: prevTerm, Entries: entries, LeaderCommit: commit,
		}, nil

	case TypeAppendResponse:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		leaderTsEcho, err := codec.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		success, err := readBool(r)
		if err != nil {
			return nil, err
		}
		match, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		conflictIdx, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		conflictTerm, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		return AppendResponse{
			Header: h, LeaderTsEcho: leaderTsEcho, Success: success,
			MatchIndex: match, ConflictIndex: conflictIdx, ConflictTerm: conflictTerm,
		}, nil

	case TypeRequestVoteRequest:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		lastIdx, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		lastTerm, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		return RequestVoteRequest{Header: h, LastLogIndex: lastIdx, LastLogTerm: lastTerm}, nil

	case TypeRequestVoteResponse:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		granted, err := readBool(r)
		if err != nil {
			return nil, err
		}
		return RequestVoteResponse{Header: h, VoteGranted: granted}, nil

	case TypeInstallSnapshotRequest:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		lastIdx, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		lastTerm, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		offset, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		data, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		done, err := readBool(r)
		if err != nil {
			return nil, err
		}
		n, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		members := make([]Peer, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := codec.ReadBytes(r)
			if err != nil {
				return nil, err
			}
			addr, err := codec.ReadBytes(r)
			if err != nil {
				return nil, err
			}
			members = append(members, Peer{ID: string(id), Address: string(addr)})
		}
		return InstallSnapshotRequest{
			Header: h, LastIncludedIndex: lastIdx, LastIncludedTerm: lastTerm,
			Offset: offset, Data: data, Done: done, Membership: members,
		}, nil

	case TypeInstallSnapshotResponse:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		return InstallSnapshotResponse{Header: h}, nil

	case TypeCommitRequest:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		txID, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		baseTerm, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		baseIndex, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		readOnly, err := readBool(r)
		if err != nil {
			return nil, err
		}
		readsData, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		writesData, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		hasConfig, err := readBool(r)
		if err != nil {
			return nil, err
		}
		addID, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		addAddr, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		removeID, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		return CommitRequest{
			Header: h, TxID: string(txID), BaseTerm: baseTerm, BaseIndex: baseIndex,
			ReadOnly: readOnly, ReadsData: readsData, WritesData: writesData,
			HasConfig: hasConfig,
			Config: ConfigChange{
				AddIdentity:    string(addID),
				AddAddress:     string(addAddr),
				RemoveIdentity: string(removeID),
			},
		}, nil

	case TypeCommitResponse:
		h, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		txID, err := codec.ReadBytes(r)
		if err != nil {
			return nil, err
		}
		statusByte, err := r.ReadByte()
		if err != nil {
			return nil, codec.ErrTruncated
		}
		commitTerm, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		commitIndex, err := codec.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		hasLease, err := readBool(r)
		if err != nil {
			return nil, err
		}
		leaseDeadline, err := codec.ReadVarint(r)
		if err != nil {
			return nil, err
		}
		return CommitResponse{
			Header: h, TxID: string(txID), Status: CommitStatus(statusByte),
			CommitTerm: commitTerm, CommitIndex: commitIndex,
			HasLeaseDeadline: hasLease, LeaseDeadlineUnixNano: leaseDeadline,
		}, nil

	default:
		return nil, fmt.Errorf("raftmsg: unknown message type tag %d", data[0])
	}
}

func putBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, codec.ErrTruncated
	}
	return b != 0, nil
}
