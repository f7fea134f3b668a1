package raftmsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAppendRequest(t *testing.T) {
	msg := AppendRequest{
		Header:       Header{Version: WireVersion, ClusterID: "c1", SenderID: "n1", RecipientID: "n2", Term: 7},
		PrevLogIndex: 10,
		PrevLogTerm:  6,
		Entries: []Entry{
			{Index: 11, Term: 7, Data: []byte("hello")},
			{Index: 12, Term: 7, Data: nil},
		},
		LeaderCommit: 9,
	}
	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	got, ok := decoded.(AppendRequest)
	require.True(t, ok)
	require.Equal(t, msg.Header, got.Header)
	require.Equal(t, msg.PrevLogIndex, got.PrevLogIndex)
	require.Len(t, got.Entries, 2)
	require.Equal(t, "hello", string(got.Entries[0].Data))
}

func TestEncodeDecodeRequestVoteRoundTrip(t *testing.T) {
	req := RequestVoteRequest{
		Header:       Header{Version: WireVersion, ClusterID: "c1", SenderID: "n1", RecipientID: "n2", Term: 3},
		LastLogIndex: 5,
		LastLogTerm:  2,
	}
	data, err := Encode(req)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	resp := RequestVoteResponse{Header: req.Header, VoteGranted: true}
	data, err = Encode(resp)
	require.NoError(t, err)
	decoded, err = Decode(data)
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}

func TestEncodeDecodeInstallSnapshotRoundTrip(t *testing.T) {
	msg := InstallSnapshotRequest{
		Header:            Header{Version: WireVersion, ClusterID: "c1", SenderID: "n1", RecipientID: "n2", Term: 4},
		LastIncludedIndex: 100,
		LastIncludedTerm:  4,
		Offset:            0,
		Data:              []byte{1, 2, 3, 4},
		Done:              true,
		Membership: []Peer{
			{ID: "n1", Address: "127.0.0.1:9001"},
			{ID: "n2", Address: "127.0.0.1:9002"},
		},
	}
	data, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	got, ok := decoded.(InstallSnapshotRequest)
	require.True(t, ok)
	require.Equal(t, msg, got)
}

func TestEncodeDecodeCommitRequestResponseRoundTrip(t *testing.T) {
	req := CommitRequest{
		Header:     Header{Version: WireVersion, ClusterID: "c1", SenderID: "n1", RecipientID: "n2", Term: 5},
		TxID:       "tx-123",
		BaseTerm:   4,
		BaseIndex:  20,
		ReadOnly:   false,
		ReadsData:  []byte{1, 2},
		WritesData: []byte{3, 4, 5},
		HasConfig:  true,
		Config:     ConfigChange{AddIdentity: "n3", AddAddress: "127.0.0.1:9003"},
	}
	data, err := Encode(req)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, req, decoded)

	resp := CommitResponse{
		Header:                req.Header,
		TxID:                  req.TxID,
		Status:                CommitStatusOK,
		CommitTerm:            5,
		CommitIndex:           21,
		HasLeaseDeadline:      true,
		LeaseDeadlineUnixNano: 123456,
	}
	data, err = Encode(resp)
	require.NoError(t, err)
	decoded, err = Decode(data)
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}

func TestDecodeUnknownTypeTagErrors(t *testing.T) {
	_, err := Decode([]byte{255})
	require.Error(t, err)
}

func TestDecodeEmptyErrors(t *testing.T) {
	_, err := Decode(nil)
	require.Error(t, err)
}
