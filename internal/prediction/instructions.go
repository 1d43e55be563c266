package prediction

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MaxQuestionLen is the on-chain cap on market question bytes.
const MaxQuestionLen = 256

var (
	createMarketDisc  = instructionDiscriminator("create_market_cpmm")
	resolveMarketDisc = instructionDiscriminator("resolve_market")
	buySharesDisc     = instructionDiscriminator("buy_shares")
	sellSharesDisc    = instructionDiscriminator("sell_shares")
	claimWinningsDisc = instructionDiscriminator("claim_winnings_v2")
)

func instructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func accountDiscriminator(typeName string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + typeName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

// EncodeCreateMarketData builds the create_market_cpmm payload:
// discriminator, marketSeedId u64, question (u32 length + UTF-8), endTime i64,
// initialLiquidity u64. All integers little-endian.
func EncodeCreateMarketData(marketSeedID uint64, question string, endTime int64, initialLiquidity uint64) ([]byte, error) {
	if len(question) == 0 {
		return nil, fmt.Errorf("question must not be empty")
	}
	if len(question) > MaxQuestionLen {
		return nil, fmt.Errorf("question exceeds %d bytes", MaxQuestionLen)
	}

	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(createMarketDisc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(marketSeedID, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(question)), bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes([]byte(question), false); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(endTime, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(initialLiquidity, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeResolveMarketData(winningOutcomeIndex uint8) ([]byte, error) {
	if winningOutcomeIndex > 1 {
		return nil, fmt.Errorf("winning outcome index must be 0 or 1, got %d", winningOutcomeIndex)
	}
	data := make([]byte, 0, 9)
	data = append(data, resolveMarketDisc[:]...)
	data = append(data, winningOutcomeIndex)
	return data, nil
}

func EncodeBuySharesData(outcomeIndex uint8, maxCollateralIn, minSharesOut uint64) ([]byte, error) {
	if outcomeIndex > 1 {
		return nil, fmt.Errorf("outcome index must be 0 or 1, got %d", outcomeIndex)
	}
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(buySharesDisc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(outcomeIndex); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(maxCollateralIn, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(minSharesOut, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func EncodeSellSharesData(outcomeIndex uint8, sharesIn, minCollateralOut uint64) ([]byte, error) {
	if outcomeIndex > 1 {
		return nil, fmt.Errorf("outcome index must be 0 or 1, got %d", outcomeIndex)
	}
	var buf bytes.Buffer
	enc := bin.NewBorshEncoder(&buf)
	if err := enc.WriteBytes(sellSharesDisc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(outcomeIndex); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(sharesIn, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(minCollateralOut, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeClaimWinningsData is discriminator-only; claim has no arguments.
func EncodeClaimWinningsData() []byte {
	data := make([]byte, 8)
	copy(data, claimWinningsDisc[:])
	return data
}

type CreateMarketAccounts struct {
	Market                 solana.PublicKey
	Vault                  solana.PublicKey
	VaultAuthority         solana.PublicKey
	CollateralMint         solana.PublicKey
	Authority              solana.PublicKey
	AuthorityCollateralATA solana.PublicKey
}

func NewCreateMarketInstruction(
	programID solana.PublicKey,
	accounts CreateMarketAccounts,
	marketSeedID uint64,
	question string,
	endTime int64,
	initialLiquidity uint64,
) (solana.Instruction, error) {
	data, err := EncodeCreateMarketData(marketSeedID, question, endTime, initialLiquidity)
	if err != nil {
		return nil, fmt.Errorf("encode create_market_cpmm data: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Market, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(accounts.CollateralMint, false, false),
		solana.NewAccountMeta(accounts.Authority, true, true),
		solana.NewAccountMeta(accounts.AuthorityCollateralATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func NewResolveMarketInstruction(
	programID solana.PublicKey,
	market solana.PublicKey,
	authority solana.PublicKey,
	winningOutcomeIndex uint8,
) (solana.Instruction, error) {
	data, err := EncodeResolveMarketData(winningOutcomeIndex)
	if err != nil {
		return nil, fmt.Errorf("encode resolve_market data: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(market, true, false),
		solana.NewAccountMeta(authority, true, true),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

type TradeAccounts struct {
	Market            solana.PublicKey
	Vault             solana.PublicKey
	VaultAuthority    solana.PublicKey
	Position          solana.PublicKey
	User              solana.PublicKey
	UserCollateralATA solana.PublicKey
}

func NewBuySharesInstruction(
	programID solana.PublicKey,
	accounts TradeAccounts,
	outcomeIndex uint8,
	maxCollateralIn uint64,
	minSharesOut uint64,
) (solana.Instruction, error) {
	data, err := EncodeBuySharesData(outcomeIndex, maxCollateralIn, minSharesOut)
	if err != nil {
		return nil, fmt.Errorf("encode buy_shares data: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Market, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(accounts.Position, true, false),
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.UserCollateralATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func NewSellSharesInstruction(
	programID solana.PublicKey,
	accounts TradeAccounts,
	outcomeIndex uint8,
	sharesIn uint64,
	minCollateralOut uint64,
) (solana.Instruction, error) {
	data, err := EncodeSellSharesData(outcomeIndex, sharesIn, minCollateralOut)
	if err != nil {
		return nil, fmt.Errorf("encode sell_shares data: %w", err)
	}

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Market, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(accounts.Position, true, false),
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.UserCollateralATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func NewClaimWinningsInstruction(
	programID solana.PublicKey,
	accounts TradeAccounts,
) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Market, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.VaultAuthority, false, false),
		solana.NewAccountMeta(accounts.Position, true, false),
		solana.NewAccountMeta(accounts.User, true, true),
		solana.NewAccountMeta(accounts.UserCollateralATA, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	return solana.NewInstruction(programID, metas, EncodeClaimWinningsData())
}
