package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// NoLogIndex marks a causal point from a chain without log indexes; such
// points are identified by ReceiptID instead.
const NoLogIndex int64 = -1

// Causal is the chain position and transaction metadata of the event being
// applied. Every ledger write carries the Causal of the event that caused it.
type Causal struct {
	BlockNumber uint64      `json:"block_number"`
	BlockTime   int64       `json:"block_time"`
	TxIndex     int64       `json:"tx_index"`
	LogIndex    int64       `json:"log_index"`
	TxHash      string      `json:"tx_hash"`
	ReceiptID   string      `json:"receipt_id,omitempty"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	GasLimit    uint64      `json:"gas_limit"`
	GasUsed     uint64      `json:"gas_used"`
	GasPrice    uint256.Int `json:"gas_price"`
}

// ID is unique per causal event and stable across repeated observation of
// it: txHash-logIndex, or the receipt id when there is no log index.
func (c *Causal) ID() string {
	if c.LogIndex == NoLogIndex || c.TxHash == "" {
		return c.ReceiptID
	}
	return fmt.Sprintf("%s-%d", c.TxHash, c.LogIndex)
}

// Key returns the ordering key of the causal point.
func (c *Causal) Key() CausalKey {
	return CausalKey{BlockNumber: c.BlockNumber, TxIndex: c.TxIndex, LogIndex: c.LogIndex}
}

// Validate checks that the causal point can be identified.
func (c *Causal) Validate() error {
	if c.ID() == "" {
		return fmt.Errorf("causal point at block %d has neither tx hash with log index nor receipt id", c.BlockNumber)
	}
	return nil
}

// CausalKey orders events in chain order: block, then in-block transaction
// index, then log index.
type CausalKey struct {
	BlockNumber uint64 `json:"block_number"`
	TxIndex     int64  `json:"tx_index"`
	LogIndex    int64  `json:"log_index"`
}

// Less reports whether k is strictly before o.
func (k CausalKey) Less(o CausalKey) bool {
	if k.BlockNumber != o.BlockNumber {
		return k.BlockNumber < o.BlockNumber
	}
	if k.TxIndex != o.TxIndex {
		return k.TxIndex < o.TxIndex
	}
	return k.LogIndex < o.LogIndex
}

func (k CausalKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.BlockNumber, k.TxIndex, k.LogIndex)
}
