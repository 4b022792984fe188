package chain

import (
	"context"
	"encoding/json"
	"strings"
)

// GetBlockTxHashes returns the transaction hashes of the block at index.
func (c *Client) GetBlockTxHashes(ctx context.Context, index uint32) ([]string, error) {
	result, err := c.Call(ctx, "getblock", []interface{}{index, true})
	if err != nil {
		return nil, err
	}
	var block struct {
		Tx []struct {
			Hash string `json:"hash"`
		} `json:"tx"`
	}
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, err
	}
	out := make([]string, len(block.Tx))
	for i, tx := range block.Tx {
		out[i] = tx.Hash
	}
	return out, nil
}

// BlockReader is the part of the RPC client an event scan needs.
type BlockReader interface {
	GetBlockCount(ctx context.Context) (uint64, error)
	GetBlockTxHashes(ctx context.Context, index uint32) ([]string, error)
	GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error)
}

// EventScanner looks for contract notifications in new blocks.
type EventScanner struct {
	r         BlockReader
	maxBlocks uint32
}

// NewEventScanner scans at most maxBlocks blocks per call (default 50).
func NewEventScanner(r BlockReader, maxBlocks uint32) *EventScanner {
	if maxBlocks == 0 {
		maxBlocks = 50
	}
	return &EventScanner{r: r, maxBlocks: maxBlocks}
}

// Scan looks at blocks after the given index for a notification named event
// from contract. It returns whether one was seen and the last block
// examined, which the caller passes back on the next scan. A zero after on
// a fresh task starts at the current tip.
func (s *EventScanner) Scan(ctx context.Context, contract, event string, after uint32) (bool, uint32, error) {
	count, err := s.r.GetBlockCount(ctx)
	if err != nil {
		return false, after, err
	}
	if count == 0 {
		return false, after, nil
	}
	tip := uint32(count - 1)
	if after == 0 {
		return false, tip, nil
	}
	last := after
	for idx := after + 1; idx <= tip && idx-after <= s.maxBlocks; idx++ {
		hashes, err := s.r.GetBlockTxHashes(ctx, idx)
		if err != nil {
			return false, last, err
		}
		for _, h := range hashes {
			log, err := s.r.GetApplicationLog(ctx, h)
			if err != nil {
				return false, last, err
			}
			if hasNotification(log, contract, event) {
				return true, idx, nil
			}
		}
		last = idx
	}
	return false, last, nil
}

func hasNotification(log *ApplicationLog, contract, event string) bool {
	if log == nil {
		return false
	}
	want := strings.TrimPrefix(strings.ToLower(contract), "0x")
	for _, exec := range log.Executions {
		for _, n := range exec.Notifications {
			if strings.TrimPrefix(strings.ToLower(n.Contract), "0x") == want && n.EventName == event {
				return true
			}
		}
	}
	return false
}
