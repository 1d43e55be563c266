package prediction

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// MarketPDAs bundles every derived address a market transaction touches.
type MarketPDAs struct {
	Market         solana.PublicKey
	Vault          solana.PublicKey
	VaultAuthority solana.PublicKey
}

func DeriveMarketPDA(programID, authority solana.PublicKey, marketSeedID uint64) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("market_v2"), authority.Bytes(), u64LE(marketSeedID)}, programID)
}

func DeriveVaultPDA(programID, market solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault_v2"), market.Bytes()}, programID)
}

func DeriveVaultAuthorityPDA(programID, market solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault_auth_v2"), market.Bytes()}, programID)
}

func DerivePositionPDA(programID, market, owner solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("position_v2"), market.Bytes(), owner.Bytes()}, programID)
}

func DeriveMarketPDAs(programID, authority solana.PublicKey, marketSeedID uint64) (MarketPDAs, error) {
	market, _, err := DeriveMarketPDA(programID, authority, marketSeedID)
	if err != nil {
		return MarketPDAs{}, fmt.Errorf("derive market PDA: %w", err)
	}
	vault, _, err := DeriveVaultPDA(programID, market)
	if err != nil {
		return MarketPDAs{}, fmt.Errorf("derive vault PDA: %w", err)
	}
	vaultAuthority, _, err := DeriveVaultAuthorityPDA(programID, market)
	if err != nil {
		return MarketPDAs{}, fmt.Errorf("derive vault authority PDA: %w", err)
	}
	return MarketPDAs{
		Market:         market,
		Vault:          vault,
		VaultAuthority: vaultAuthority,
	}, nil
}

func U64LEToBytes(value uint64) []byte {
	return u64LE(value)
}

func u64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}
