package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Entity kinds in the object store.
const (
	KindToken            = "token"
	KindMarket           = "market"
	KindMarketSnapshot   = "market_snapshot"
	KindAccount          = "account"
	KindAccountPosition  = "account_position"
	KindPosition         = "position"
	KindPositionSnapshot = "position_snapshot"
	KindTransaction      = "transaction"
)

type PositionType string

const (
	PositionInvestment PositionType = "INVESTMENT"
	PositionDebt       PositionType = "DEBT"
)

// ParsePositionType accepts the upper-case names.
func ParsePositionType(s string) (PositionType, error) {
	switch PositionType(s) {
	case PositionInvestment, PositionDebt:
		return PositionType(s), nil
	}
	return "", fmt.Errorf("unknown position type %q", s)
}

type TransactionType string

const (
	TxInvest      TransactionType = "INVEST"
	TxRedeem      TransactionType = "REDEEM"
	TxBorrow      TransactionType = "BORROW"
	TxRepay       TransactionType = "REPAY"
	TxTransferIn  TransactionType = "TRANSFER_IN"
	TxTransferOut TransactionType = "TRANSFER_OUT"
)

type TokenStandard string

const (
	StandardFungible TokenStandard = "FUNGIBLE"
	StandardNative   TokenStandard = "NATIVE"
)

// Token is a fungible asset. Metadata is best effort and may be empty.
type Token struct {
	ID       string        `json:"id"`
	Standard TokenStandard `json:"standard"`
	Decimals uint8         `json:"decimals"`
	Symbol   string        `json:"symbol,omitempty"`
	Name     string        `json:"name,omitempty"`
}

func (t *Token) EntityKind() string { return KindToken }
func (t *Token) EntityID() string   { return t.ID }

// Market is the aggregate state of one pool, vault or reserve.
// InputTokenBalances is index-aligned with InputTokens.
type Market struct {
	ID                 string         `json:"id"`
	Owner              string         `json:"owner"`
	Protocol           string         `json:"protocol"`
	ProtocolType       string         `json:"protocol_type"`
	InputTokens        []string       `json:"input_tokens"`
	OutputToken        string         `json:"output_token,omitempty"`
	DebtToken          string         `json:"debt_token,omitempty"`
	RewardTokens       []string       `json:"reward_tokens,omitempty"`
	InputTokenBalances []TokenBalance `json:"input_token_balances"`
	OutputTokenSupply  uint256.Int    `json:"output_token_supply"`
	CreatedBlock       uint64         `json:"created_block"`
	CreatedTime        int64          `json:"created_time"`
	LastUpdateBlock    uint64         `json:"last_update_block"`
	LastUpdateTime     int64          `json:"last_update_time"`
	LastKey            CausalKey      `json:"last_key"`
}

func (m *Market) EntityKind() string { return KindMarket }
func (m *Market) EntityID() string   { return m.ID }

// PositionToken is the token a position of typ is denominated in: the debt
// token for debt positions when the market has one, else the output token.
func (m *Market) PositionToken(typ PositionType) string {
	if typ == PositionDebt && m.DebtToken != "" {
		return m.DebtToken
	}
	return m.OutputToken
}

// MarketSnapshot is the pre-update state of a market at one causal point.
// Applied is set once UpdateMarket has written the new state for this
// causal id; a position call may record the snapshot before that happens.
type MarketSnapshot struct {
	ID                 string         `json:"id"`
	Market             string         `json:"market"`
	CausalID           string         `json:"causal_id"`
	InputTokenBalances []TokenBalance `json:"input_token_balances"`
	OutputTokenSupply  uint256.Int    `json:"output_token_supply"`
	BlockNumber        uint64         `json:"block_number"`
	BlockTime          int64          `json:"block_time"`
	Applied            bool           `json:"applied"`
}

func (s *MarketSnapshot) EntityKind() string { return KindMarketSnapshot }
func (s *MarketSnapshot) EntityID() string   { return s.ID }

// MarketSnapshotID is keyed by the causal id, never by a counter.
func MarketSnapshotID(marketID, causalID string) string {
	return marketID + "-" + causalID
}

// Account is an opaque holder identity.
type Account struct {
	ID           string `json:"id"`
	CreatedBlock uint64 `json:"created_block"`
	CreatedTime  int64  `json:"created_time"`
}

func (a *Account) EntityKind() string { return KindAccount }
func (a *Account) EntityID() string   { return a.ID }

// AccountPosition holds the slot counter for one (account, market, type).
type AccountPosition struct {
	ID              string       `json:"id"`
	Account         string       `json:"account"`
	Market          string       `json:"market"`
	Type            PositionType `json:"type"`
	PositionCounter uint64       `json:"position_counter"`
}

func (a *AccountPosition) EntityKind() string { return KindAccountPosition }
func (a *AccountPosition) EntityID() string   { return a.ID }

func AccountPositionID(account, market string, typ PositionType) string {
	return fmt.Sprintf("%s-%s-%s", account, market, typ)
}

// Position is one slot in an account's position sequence on a market.
type Position struct {
	ID                  string         `json:"id"`
	AccountPosition     string         `json:"account_position"`
	Account             string         `json:"account"`
	Market              string         `json:"market"`
	Type                PositionType   `json:"type"`
	Counter             uint64         `json:"counter"`
	OutputTokenBalance  TokenBalance   `json:"output_token_balance"`
	InputTokenBalances  []TokenBalance `json:"input_token_balances"`
	RewardTokenBalances []TokenBalance `json:"reward_token_balances"`
	Closed              bool           `json:"closed"`
	HistoryCounter      uint64         `json:"history_counter"`
	CreatedBlock        uint64         `json:"created_block"`
	CreatedTime         int64          `json:"created_time"`
	ClosedBlock         uint64         `json:"closed_block,omitempty"`
	ClosedTime          int64          `json:"closed_time,omitempty"`
}

func (p *Position) EntityKind() string { return KindPosition }
func (p *Position) EntityID() string   { return p.ID }

func PositionID(accountPositionID string, counter uint64) string {
	return fmt.Sprintf("%s-%d", accountPositionID, counter)
}

// PositionSnapshot is a position's balances right after one transaction.
type PositionSnapshot struct {
	ID                  string         `json:"id"`
	Position            string         `json:"position"`
	HistoryCounter      uint64         `json:"history_counter"`
	Transaction         string         `json:"transaction"`
	OutputTokenBalance  TokenBalance   `json:"output_token_balance"`
	InputTokenBalances  []TokenBalance `json:"input_token_balances"`
	RewardTokenBalances []TokenBalance `json:"reward_token_balances"`
	Closed              bool           `json:"closed"`
	BlockNumber         uint64         `json:"block_number"`
	BlockTime           int64          `json:"block_time"`
}

func (s *PositionSnapshot) EntityKind() string { return KindPositionSnapshot }
func (s *PositionSnapshot) EntityID() string   { return s.ID }

// PositionHistoryID keys both the snapshot and the transaction written at
// one history step of a position.
func PositionHistoryID(positionID string, historyCounter uint64) string {
	return fmt.Sprintf("%s-%d", positionID, historyCounter)
}

// Transaction records the amounts moved by one ledger call.
type Transaction struct {
	ID                 string          `json:"id"`
	CorrelationID      string          `json:"correlation_id"`
	Type               TransactionType `json:"type"`
	Market             string          `json:"market"`
	MarketSnapshot     string          `json:"market_snapshot"`
	Position           string          `json:"position"`
	Account            string          `json:"account"`
	Counterparty       string          `json:"counterparty,omitempty"`
	From               string          `json:"from"`
	To                 string          `json:"to"`
	OutputTokenAmount  TokenBalance    `json:"output_token_amount"`
	InputTokenAmounts  []TokenBalance  `json:"input_token_amounts"`
	RewardTokenAmounts []TokenBalance  `json:"reward_token_amounts"`
	GasLimit           uint64          `json:"gas_limit"`
	GasUsed            uint64          `json:"gas_used"`
	GasPrice           uint256.Int     `json:"gas_price"`
	BlockNumber        uint64          `json:"block_number"`
	BlockTime          int64           `json:"block_time"`
	TxIndex            int64           `json:"tx_index"`
	LogIndex           int64           `json:"log_index"`
	TxHash             string          `json:"tx_hash"`
	CausalID           string          `json:"causal_id"`
}

func (t *Transaction) EntityKind() string { return KindTransaction }
func (t *Transaction) EntityID() string   { return t.ID }
