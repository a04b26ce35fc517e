package harvest

import (
	"encoding/json"
	"fmt"
)

// Shared-store keys used by the coordination pipeline. Every process reads
// and writes the same keys; the store is the only channel between them.
const (
	// KeyLeader holds the current Lease.
	KeyLeader = "leader"
	// KeyBuffer holds the provisional ItemRef list any process may append to.
	KeyBuffer = "buffer"
	// KeyQueue holds the durable main queue, drained only by the leader.
	KeyQueue = "queue"
	// KeyFailed holds the FailedItem list.
	KeyFailed = "failed"
	// KeyClearing holds the reset-in-progress marker.
	KeyClearing = "clearing"
)

// DecodeRefs parses a stored ItemRef list. Nil input decodes to an empty
// list so absent keys and empty lists behave the same.
func DecodeRefs(data []byte) ([]ItemRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var refs []ItemRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("decode ref list: %w", err)
	}
	return refs, nil
}

// EncodeRefs serializes an ItemRef list for storage.
func EncodeRefs(refs []ItemRef) ([]byte, error) {
	if refs == nil {
		refs = []ItemRef{}
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("encode ref list: %w", err)
	}
	return data, nil
}

// DecodeFailed parses a stored FailedItem list.
func DecodeFailed(data []byte) ([]FailedItem, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []FailedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode failed list: %w", err)
	}
	return items, nil
}

// EncodeFailed serializes a FailedItem list for storage.
func EncodeFailed(items []FailedItem) ([]byte, error) {
	if items == nil {
		items = []FailedItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode failed list: %w", err)
	}
	return data, nil
}
