package market

import (
	"encoding/json"
	"fmt"
)

// RequestPayload is the serialized form of an action request stored on the
// MarketAction row. Kind selects which body is populated; exactly one body
// must be non-nil and it must match Kind. Replays decode the stored payload
// so retried attempts operate on the original inputs (in particular the
// market seed chosen at first submission).
type RequestPayload struct {
	Kind    ActionType            `json:"kind"`
	Create  *CreateMarketRequest  `json:"create,omitempty"`
	Buy     *BuySharesRequest     `json:"buy,omitempty"`
	Sell    *SellSharesRequest    `json:"sell,omitempty"`
	Resolve *ResolveMarketRequest `json:"resolve,omitempty"`
	Claim   *ClaimWinningsRequest `json:"claim,omitempty"`
}

type CreateMarketRequest struct {
	MarketSeedID     uint64 `json:"market_seed_id"`
	Question         string `json:"question"`
	EndTimeUnix      int64  `json:"end_time_unix"`
	InitialLiquidity uint64 `json:"initial_liquidity"`
	CollateralMint   string `json:"collateral_mint"`
}

type ResolveMarketRequest struct {
	MarketPubkey        string `json:"market_pubkey"`
	WinningOutcomeIndex uint8  `json:"winning_outcome_index"`
}

type BuySharesRequest struct {
	MarketPubkey string `json:"market_pubkey"`
	OutcomeIndex uint8  `json:"outcome_index"`
	CollateralIn uint64 `json:"collateral_in"`
	SlippageBps  uint64 `json:"slippage_bps"`
}

type SellSharesRequest struct {
	MarketPubkey string `json:"market_pubkey"`
	OutcomeIndex uint8  `json:"outcome_index"`
	SharesIn     uint64 `json:"shares_in"`
	SlippageBps  uint64 `json:"slippage_bps"`
}

type ClaimWinningsRequest struct {
	MarketPubkey string `json:"market_pubkey"`
}

// ResponsePayload mirrors RequestPayload for confirmed results. A Confirmed
// action row carries exactly one body, returned verbatim on idempotent
// replays.
type ResponsePayload struct {
	Kind    ActionType           `json:"kind"`
	Create  *CreateMarketResult  `json:"create,omitempty"`
	Buy     *BuySharesResult     `json:"buy,omitempty"`
	Sell    *SellSharesResult    `json:"sell,omitempty"`
	Resolve *ResolveMarketResult `json:"resolve,omitempty"`
	Claim   *ClaimWinningsResult `json:"claim,omitempty"`
}

type CreateMarketResult struct {
	MarketPubkey         string `json:"market_pubkey"`
	VaultPubkey          string `json:"vault_pubkey"`
	VaultAuthorityPubkey string `json:"vault_authority_pubkey"`
	MarketSeedID         uint64 `json:"market_seed_id"`
	TxSignature          string `json:"tx_signature"`
}

type BuySharesResult struct {
	TxSignature  string `json:"tx_signature"`
	OutcomeIndex uint8  `json:"outcome_index"`
	CollateralIn uint64 `json:"collateral_in"`
	Fee          uint64 `json:"fee"`
	SharesOut    uint64 `json:"shares_out"`
	MinSharesOut uint64 `json:"min_shares_out"`
	NewYesPool   uint64 `json:"new_yes_pool"`
	NewNoPool    uint64 `json:"new_no_pool"`
}

type SellSharesResult struct {
	TxSignature      string `json:"tx_signature"`
	OutcomeIndex     uint8  `json:"outcome_index"`
	SharesIn         uint64 `json:"shares_in"`
	Fee              uint64 `json:"fee"`
	CollateralOut    uint64 `json:"collateral_out"`
	MinCollateralOut uint64 `json:"min_collateral_out"`
	NewYesPool       uint64 `json:"new_yes_pool"`
	NewNoPool        uint64 `json:"new_no_pool"`
}

type ResolveMarketResult struct {
	TxSignature         string `json:"tx_signature"`
	WinningOutcomeIndex uint8  `json:"winning_outcome_index"`
}

type ClaimWinningsResult struct {
	TxSignature    string `json:"tx_signature"`
	AlreadyClaimed bool   `json:"already_claimed"`
}

func (p RequestPayload) validate() error {
	bodies := 0
	matched := false
	for _, entry := range []struct {
		kind ActionType
		set  bool
	}{
		{ActionCreate, p.Create != nil},
		{ActionBuy, p.Buy != nil},
		{ActionSell, p.Sell != nil},
		{ActionResolve, p.Resolve != nil},
		{ActionClaim, p.Claim != nil},
	} {
		if entry.set {
			bodies++
			if entry.kind == p.Kind {
				matched = true
			}
		}
	}
	if bodies != 1 {
		return fmt.Errorf("request payload must carry exactly one body, got %d", bodies)
	}
	if !matched {
		return fmt.Errorf("request payload body does not match kind %q", p.Kind)
	}
	return nil
}

func EncodeRequest(p RequestPayload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func DecodeRequest(data []byte) (RequestPayload, error) {
	var p RequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return RequestPayload{}, fmt.Errorf("decode action request: %w", err)
	}
	if err := p.validate(); err != nil {
		return RequestPayload{}, err
	}
	return p, nil
}

func (p ResponsePayload) validate() error {
	bodies := 0
	matched := false
	for _, entry := range []struct {
		kind ActionType
		set  bool
	}{
		{ActionCreate, p.Create != nil},
		{ActionBuy, p.Buy != nil},
		{ActionSell, p.Sell != nil},
		{ActionResolve, p.Resolve != nil},
		{ActionClaim, p.Claim != nil},
	} {
		if entry.set {
			bodies++
			if entry.kind == p.Kind {
				matched = true
			}
		}
	}
	if bodies != 1 {
		return fmt.Errorf("response payload must carry exactly one body, got %d", bodies)
	}
	if !matched {
		return fmt.Errorf("response payload body does not match kind %q", p.Kind)
	}
	return nil
}

func EncodeResponse(p ResponsePayload) ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func DecodeResponse(data []byte) (ResponsePayload, error) {
	var p ResponsePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ResponsePayload{}, fmt.Errorf("decode action response: %w", err)
	}
	if err := p.validate(); err != nil {
		return ResponsePayload{}, err
	}
	return p, nil
}
