// Package codec implements the byte-level key layout of spec §4.1: every
// persisted record family, ordered so that range scans enumerate an entity
// class (or a sub-family) in the intended order without a secondary sort.
package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Family prefixes, one byte each so every key sorts by family first.
const (
	familyWorkflowDef       byte = 0x01
	familyWorkflowInst      byte = 0x02
	familyWorkflowInstByDef byte = 0x03 // secondary index: def_id -> inst_id
	familyTask              byte = 0x04
	familyTaskQueue         byte = 0x05
	familyTaskIdem          byte = 0x06
	familyWorker            byte = 0x07
	familyWorkerHeartbeat   byte = 0x08
	familyEvent             byte = 0x09
	familyLock              byte = 0x0A
	familyMSTRoot           byte = 0x0B
	familyMSTNode           byte = 0x0C
)

func u64be(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// WorkflowDefKey: workflow-def:<uuid>
func WorkflowDefKey(id string) []byte {
	return append([]byte{familyWorkflowDef}, []byte(id)...)
}

// WorkflowDefPrefix scans all workflow definitions.
func WorkflowDefPrefix() []byte { return []byte{familyWorkflowDef} }

// WorkflowInstKey: workflow-inst:<uuid>
func WorkflowInstKey(id string) []byte {
	return append([]byte{familyWorkflowInst}, []byte(id)...)
}

func WorkflowInstPrefix() []byte { return []byte{familyWorkflowInst} }

// WorkflowInstByDefKey: workflow-inst-by-def:<def_uuid><inst_uuid>, a
// secondary index so "list instances of a definition" is a range scan.
func WorkflowInstByDefKey(defID, instID string) []byte {
	k := append([]byte{familyWorkflowInstByDef}, []byte(defID)...)
	k = append(k, 0x00)
	return append(k, []byte(instID)...)
}

func WorkflowInstByDefPrefix(defID string) []byte {
	k := append([]byte{familyWorkflowInstByDef}, []byte(defID)...)
	return append(k, 0x00)
}

// TaskKey: task:<uuid>, the direct-lookup record.
func TaskKey(id string) []byte {
	return append([]byte{familyTask}, []byte(id)...)
}

func TaskPrefix() []byte { return []byte{familyTask} }

// TaskQueueKey: task-queue:<priority BE><scheduled_at BE><task_uuid>.
//
// priority is first biased to an order-preserving uint32 (the standard
// signed-to-unsigned trick: flip the sign bit so ascending uint32 order
// matches ascending int32 order), then bitwise-inverted so that HIGHER
// priority produces a SMALLER key — ascending scans pop high priority
// first, per spec §4.4.
func TaskQueueKey(priority int32, scheduledAtUnixNano int64, taskID string) []byte {
	biased := uint32(priority) ^ 0x80000000
	invPriority := ^biased
	k := append([]byte{familyTaskQueue}, u32be(invPriority)...)
	k = append(k, u64be(uint64(scheduledAtUnixNano))...)
	return append(k, []byte(taskID)...)
}

func TaskQueuePrefix() []byte { return []byte{familyTaskQueue} }

// TaskIdemKey: task-idem:<idempotency_key>
func TaskIdemKey(key string) []byte {
	return append([]byte{familyTaskIdem}, []byte(key)...)
}

// WorkerKey: worker:<worker_id>
func WorkerKey(id string) []byte {
	return append([]byte{familyWorker}, []byte(id)...)
}

func WorkerPrefix() []byte { return []byte{familyWorker} }

// WorkerHeartbeatKey: worker-heartbeat:<worker_id>
func WorkerHeartbeatKey(id string) []byte {
	return append([]byte{familyWorkerHeartbeat}, []byte(id)...)
}

// EventKey: event:<instance_uuid><timestamp BE><event_uuid>, so a range scan
// under an instance yields chronological order (spec §4.1, §8).
func EventKey(instanceID string, unixNano int64, eventID string) []byte {
	k := append([]byte{familyEvent}, []byte(instanceID)...)
	k = append(k, 0x00)
	k = append(k, u64be(uint64(unixNano))...)
	return append(k, []byte(eventID)...)
}

func EventPrefix(instanceID string) []byte {
	k := append([]byte{familyEvent}, []byte(instanceID)...)
	return append(k, 0x00)
}

// LockKey: lock:<instance_uuid>
func LockKey(instanceID string) []byte {
	return append([]byte{familyLock}, []byte(instanceID)...)
}

// LockPrefix scans every lock record, used by recovery to find locks held
// by workers that are no longer healthy.
func LockPrefix() []byte { return []byte{familyLock} }

// MSTRootKey is the single fixed key naming the current tree root.
func MSTRootKey(treeName string) []byte {
	return append([]byte{familyMSTRoot}, []byte(treeName)...)
}

// MSTNodeKey: mst-node:<layer BE><node_hash>
func MSTNodeKey(layer uint32, hash []byte) []byte {
	k := append([]byte{familyMSTNode}, u32be(layer)...)
	return append(k, hash...)
}

func MSTNodePrefix() []byte { return []byte{familyMSTNode} }

// PrefixEnd returns the exclusive upper bound of a range scan over all keys
// sharing the given prefix (the next value lexicographically after the
// prefix is exhausted), or nil if the prefix is all 0xFF bytes.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// SplitInstanceIDFromEventKey extracts the instance id stored in an event
// key's suffix, used by tests and diagnostics.
func SplitInstanceIDFromEventKey(key []byte) (string, error) {
	if len(key) < 1 || key[0] != familyEvent {
		return "", fmt.Errorf("not an event key")
	}
	rest := key[1:]
	idx := strings.IndexByte(string(rest), 0x00)
	if idx < 0 {
		return "", fmt.Errorf("malformed event key")
	}
	return string(rest[:idx]), nil
}
