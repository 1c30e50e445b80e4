package query

import "github.com/shopspring/decimal"

// AmountView is one token amount in raw base units and in human units
// scaled by the token's decimals.
type AmountView struct {
	Token  string          `json:"token"`
	Raw    string          `json:"raw"`
	Amount decimal.Decimal `json:"amount"`
}

// MarketResponse is the current state of a market.
type MarketResponse struct {
	ID                 string       `json:"id"`
	Owner              string       `json:"owner"`
	Protocol           string       `json:"protocol"`
	ProtocolType       string       `json:"protocol_type"`
	InputTokens        []string     `json:"input_tokens"`
	OutputToken        string       `json:"output_token,omitempty"`
	DebtToken          string       `json:"debt_token,omitempty"`
	RewardTokens       []string     `json:"reward_tokens,omitempty"`
	InputTokenBalances []AmountView `json:"input_token_balances"`
	OutputTokenSupply  AmountView   `json:"output_token_supply"`
	CreatedBlock       uint64       `json:"created_block"`
	LastUpdateBlock    uint64       `json:"last_update_block"`
	LastUpdateTime     int64        `json:"last_update_time"`
	AsOfSequence       int64        `json:"as_of_sequence"`
}

// MarketSnapshotResponse is a market's state before one causal event.
type MarketSnapshotResponse struct {
	ID                 string       `json:"id"`
	Market             string       `json:"market"`
	CausalID           string       `json:"causal_id"`
	InputTokenBalances []AmountView `json:"input_token_balances"`
	OutputTokenSupply  AmountView   `json:"output_token_supply"`
	BlockNumber        uint64       `json:"block_number"`
	BlockTime          int64        `json:"block_time"`
}

// PositionResponse is one position slot. Underlying is the pool share value
// of the output balance in native token units, set for pool markets only.
type PositionResponse struct {
	ID                  string       `json:"id"`
	Account             string       `json:"account"`
	Market              string       `json:"market"`
	Type                string       `json:"type"`
	Counter             uint64       `json:"counter"`
	Closed              bool         `json:"closed"`
	OutputTokenBalance  AmountView   `json:"output_token_balance"`
	InputTokenBalances  []AmountView `json:"input_token_balances"`
	RewardTokenBalances []AmountView `json:"reward_token_balances"`
	Underlying          []AmountView `json:"underlying,omitempty"`
	HistoryCounter      uint64       `json:"history_counter"`
	CreatedBlock        uint64       `json:"created_block"`
	ClosedBlock         uint64       `json:"closed_block,omitempty"`
	AsOfSequence        int64        `json:"as_of_sequence"`
}

// PositionSnapshotResponse is a position right after one transaction.
type PositionSnapshotResponse struct {
	ID                  string       `json:"id"`
	Position            string       `json:"position"`
	HistoryCounter      uint64       `json:"history_counter"`
	Transaction         string       `json:"transaction"`
	Closed              bool         `json:"closed"`
	OutputTokenBalance  AmountView   `json:"output_token_balance"`
	InputTokenBalances  []AmountView `json:"input_token_balances"`
	RewardTokenBalances []AmountView `json:"reward_token_balances"`
	BlockNumber         uint64       `json:"block_number"`
	BlockTime           int64        `json:"block_time"`
}

// TransactionResponse is one ledger transaction.
type TransactionResponse struct {
	ID                 string       `json:"id"`
	CorrelationID      string       `json:"correlation_id"`
	Type               string       `json:"type"`
	Market             string       `json:"market"`
	MarketSnapshot     string       `json:"market_snapshot"`
	Position           string       `json:"position"`
	Account            string       `json:"account"`
	Counterparty       string       `json:"counterparty,omitempty"`
	OutputTokenAmount  AmountView   `json:"output_token_amount"`
	InputTokenAmounts  []AmountView `json:"input_token_amounts"`
	RewardTokenAmounts []AmountView `json:"reward_token_amounts"`
	TxHash             string       `json:"tx_hash"`
	BlockNumber        uint64       `json:"block_number"`
	BlockTime          int64        `json:"block_time"`
	GasUsed            uint64       `json:"gas_used"`
	GasPrice           string       `json:"gas_price"`
}

// PoolResponse is the solver state of a stable-swap or rated-swap pool.
type PoolResponse struct {
	ID              string       `json:"id"`
	Kind            string       `json:"kind"`
	Owner           string       `json:"owner"`
	Balances        []AmountView `json:"balances"`
	TotalSupply     AmountView   `json:"total_supply"`
	TradeFee        uint32       `json:"trade_fee"`
	AdminFee        uint32       `json:"admin_fee"`
	ReferralFee     uint32       `json:"referral_fee"`
	FeeDenominator  uint32       `json:"fee_denominator"`
	AmpFactor       uint64       `json:"amp_factor"`
	TargetAmpFactor uint64       `json:"target_amp_factor"`
	StopAmpTime     int64        `json:"stop_amp_time,omitempty"`
	Rates           []string     `json:"rates,omitempty"`
	AsOfSequence    int64        `json:"as_of_sequence"`
}

// EventResponse is the log entry of one applied event.
type EventResponse struct {
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	MarketID       string `json:"market_id,omitempty"`
	Sequence       int64  `json:"sequence"`
	BlockNumber    uint64 `json:"block_number"`
	Entities       int    `json:"entities"`
	StateHash      string `json:"state_hash"`
	PrevHash       string `json:"prev_hash"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Checked         bool    `json:"checked"`
	LastSequence    int64   `json:"last_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
