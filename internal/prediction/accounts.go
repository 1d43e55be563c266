package prediction

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Market status values as stored on chain.
const (
	MarketStatusOpen      uint8 = 0
	MarketStatusResolved  uint8 = 1
	MarketStatusCancelled uint8 = 2
)

var (
	marketAccountDisc   = accountDiscriminator("MarketV2")
	positionAccountDisc = accountDiscriminator("PositionV2")
)

// MarketState mirrors the on-chain MarketV2 account.
type MarketState struct {
	MarketID                   uint64
	Authority                  solana.PublicKey
	Question                   string
	CollateralMint             solana.PublicKey
	Vault                      solana.PublicKey
	EndTime                    int64
	Status                     uint8
	WinningOutcome             int8
	YesPool                    uint64
	NoPool                     uint64
	TotalYesShares             uint64
	TotalNoShares              uint64
	ResolvedVaultBalance       uint64
	ResolvedTotalWinningShares uint64
}

// PositionState mirrors the on-chain PositionV2 account.
type PositionState struct {
	Market    solana.PublicKey
	Owner     solana.PublicKey
	YesShares uint64
	NoShares  uint64
	Claimed   bool
}

// fixed bytes after the question string in a MarketV2 account:
// collateral_mint(32) vault(32) end_time(8) status(1) winning_outcome(1) + 6 u64 fields
const marketStateFixedTail = 32 + 32 + 8 + 1 + 1 + 6*8

func ParseMarketState(data []byte) (*MarketState, error) {
	dec := bin.NewBinDecoder(data)

	disc, err := dec.ReadNBytes(8)
	if err != nil {
		return nil, fmt.Errorf("market account discriminator: %w", err)
	}
	if !bytes.Equal(disc, marketAccountDisc[:]) {
		return nil, fmt.Errorf("market account discriminator mismatch")
	}

	var out MarketState
	if out.MarketID, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("market id: %w", err)
	}
	if out.Authority, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}

	questionLen, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("question length: %w", err)
	}
	if questionLen > MaxQuestionLen {
		return nil, fmt.Errorf("question length %d exceeds %d", questionLen, MaxQuestionLen)
	}
	if dec.Remaining() < int(questionLen)+marketStateFixedTail {
		return nil, fmt.Errorf("market account truncated: %d bytes remain, need %d", dec.Remaining(), int(questionLen)+marketStateFixedTail)
	}
	questionBytes, err := dec.ReadNBytes(int(questionLen))
	if err != nil {
		return nil, fmt.Errorf("question: %w", err)
	}
	out.Question = string(questionBytes)

	if out.CollateralMint, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("collateral mint: %w", err)
	}
	if out.Vault, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if out.EndTime, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("end time: %w", err)
	}
	if out.Status, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if out.WinningOutcome, err = dec.ReadInt8(); err != nil {
		return nil, fmt.Errorf("winning outcome: %w", err)
	}
	for _, field := range []*uint64{
		&out.YesPool, &out.NoPool,
		&out.TotalYesShares, &out.TotalNoShares,
		&out.ResolvedVaultBalance, &out.ResolvedTotalWinningShares,
	} {
		if *field, err = dec.ReadUint64(bin.LE); err != nil {
			return nil, fmt.Errorf("market pool fields: %w", err)
		}
	}
	return &out, nil
}

func ParsePositionState(data []byte) (*PositionState, error) {
	dec := bin.NewBinDecoder(data)

	disc, err := dec.ReadNBytes(8)
	if err != nil {
		return nil, fmt.Errorf("position account discriminator: %w", err)
	}
	if !bytes.Equal(disc, positionAccountDisc[:]) {
		return nil, fmt.Errorf("position account discriminator mismatch")
	}

	var out PositionState
	if out.Market, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("market: %w", err)
	}
	if out.Owner, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if out.YesShares, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("yes shares: %w", err)
	}
	if out.NoShares, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("no shares: %w", err)
	}

	claimed, err := dec.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("claimed flag: %w", err)
	}
	switch claimed {
	case 0:
		out.Claimed = false
	case 1:
		out.Claimed = true
	default:
		return nil, fmt.Errorf("claimed flag must be 0 or 1, got %d", claimed)
	}
	return &out, nil
}

// EncodeMarketState is the decoder's inverse. The backend never writes
// accounts to the chain; this exists for fixtures and round-trip checks.
func EncodeMarketState(state *MarketState) ([]byte, error) {
	if len(state.Question) > MaxQuestionLen {
		return nil, fmt.Errorf("question exceeds %d bytes", MaxQuestionLen)
	}

	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(marketAccountDisc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(state.MarketID, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(state.Authority.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(state.Question)), bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes([]byte(state.Question), false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(state.CollateralMint.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(state.Vault.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(state.EndTime, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(state.Status); err != nil {
		return nil, err
	}
	if err := enc.WriteInt8(state.WinningOutcome); err != nil {
		return nil, err
	}
	for _, field := range []uint64{
		state.YesPool, state.NoPool,
		state.TotalYesShares, state.TotalNoShares,
		state.ResolvedVaultBalance, state.ResolvedTotalWinningShares,
	} {
		if err := enc.WriteUint64(field, bin.LE); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func EncodePositionState(state *PositionState) ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(positionAccountDisc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(state.Market.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(state.Owner.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(state.YesShares, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(state.NoShares, bin.LE); err != nil {
		return nil, err
	}
	claimed := uint8(0)
	if state.Claimed {
		claimed = 1
	}
	if err := enc.WriteUint8(claimed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}
