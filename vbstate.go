package vbstore

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// LifecycleState is the partition's replication role.
type LifecycleState string

const (
	StateActive  LifecycleState = "active"
	StateReplica LifecycleState = "replica"
	StatePending LifecycleState = "pending"
	StateDead    LifecycleState = "dead"
)

// localVBStateKey is the well-known local-doc name the per-partition
// state record is written under on every durable commit (§6).
const localVBStateKey = "_local/vbstate"

// maxCasSentinel is the on-disk sentinel for "no max CAS recorded yet";
// read back as zero per §6.
const maxCasSentinel = ^uint64(0)

// PartitionState is the per-partition state local doc (§3 "Per-partition
// state (local doc)", §6 JSON layout). Integer fields round-trip through
// decimal strings on disk so that readers without 64-bit JSON numbers
// stay interoperable, matching the wire layout this package is grounded
// on (ep-engine's vbucket_state JSON).
//
// HighSeqno and PurgeSeqno are tracked by the underlying file handle
// (Handle.Info()) rather than in this record; §6 does not list them
// among the local doc's JSON keys.
type PartitionState struct {
	State              LifecycleState
	CheckpointID       uint64
	MaxDeletedSeqno    uint64
	SnapStart          uint64
	SnapEnd            uint64
	MaxCas             uint64
	HLCEpoch           int64
	MightContainXattrs bool
	FailoverTable      json.RawMessage
}

type wireVBState struct {
	State              LifecycleState  `json:"state"`
	CheckpointID       string          `json:"checkpoint_id"`
	MaxDeletedSeqno    string          `json:"max_deleted_seqno"`
	FailoverTable      json.RawMessage `json:"failover_table,omitempty"`
	SnapStart          string          `json:"snap_start"`
	SnapEnd            string          `json:"snap_end"`
	MaxCas             string          `json:"max_cas"`
	HLCEpoch           string          `json:"hlc_epoch"`
	MightContainXattrs bool            `json:"might_contain_xattrs"`
}

func encodeVBState(s PartitionState) ([]byte, error) {
	maxCas := s.MaxCas
	if maxCas == 0 {
		maxCas = maxCasSentinel
	}
	w := wireVBState{
		State:              s.State,
		CheckpointID:       strconv.FormatUint(s.CheckpointID, 10),
		MaxDeletedSeqno:    strconv.FormatUint(s.MaxDeletedSeqno, 10),
		FailoverTable:      s.FailoverTable,
		SnapStart:          strconv.FormatUint(s.SnapStart, 10),
		SnapEnd:            strconv.FormatUint(s.SnapEnd, 10),
		MaxCas:             strconv.FormatUint(maxCas, 10),
		HLCEpoch:           strconv.FormatInt(s.HLCEpoch, 10),
		MightContainXattrs: s.MightContainXattrs,
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("vbstate: encode: %w", err)
	}
	return buf, nil
}

func decodeVBState(buf []byte) (PartitionState, error) {
	var w wireVBState
	if err := json.Unmarshal(buf, &w); err != nil {
		return PartitionState{}, fmt.Errorf("vbstate: decode: %w", err)
	}
	checkpointID, err := parseUintField("checkpoint_id", w.CheckpointID)
	if err != nil {
		return PartitionState{}, err
	}
	maxDeleted, err := parseUintField("max_deleted_seqno", w.MaxDeletedSeqno)
	if err != nil {
		return PartitionState{}, err
	}
	snapStart, err := parseUintField("snap_start", w.SnapStart)
	if err != nil {
		return PartitionState{}, err
	}
	snapEnd, err := parseUintField("snap_end", w.SnapEnd)
	if err != nil {
		return PartitionState{}, err
	}
	maxCas, err := parseUintField("max_cas", w.MaxCas)
	if err != nil {
		return PartitionState{}, err
	}
	if maxCas == maxCasSentinel {
		maxCas = 0
	}
	hlcEpoch, err := strconv.ParseInt(w.HLCEpoch, 10, 64)
	if err != nil {
		return PartitionState{}, fmt.Errorf("vbstate: hlc_epoch: %w", err)
	}
	return PartitionState{
		State:              w.State,
		CheckpointID:       checkpointID,
		MaxDeletedSeqno:    maxDeleted,
		SnapStart:          snapStart,
		SnapEnd:            snapEnd,
		MaxCas:             maxCas,
		HLCEpoch:           hlcEpoch,
		MightContainXattrs: w.MightContainXattrs,
		FailoverTable:      w.FailoverTable,
	}, nil
}

func parseUintField(name, raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("vbstate: %s: %w", name, err)
	}
	return v, nil
}
