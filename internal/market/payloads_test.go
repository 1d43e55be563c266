package market

import (
	"strings"
	"testing"
)

func TestEncodeRequestValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload RequestPayload
		wantErr string
	}{
		{
			name: "valid buy",
			payload: RequestPayload{
				Kind: ActionBuy,
				Buy:  &BuySharesRequest{MarketPubkey: "m", CollateralIn: 1},
			},
		},
		{
			name:    "no body",
			payload: RequestPayload{Kind: ActionBuy},
			wantErr: "exactly one body",
		},
		{
			name: "two bodies",
			payload: RequestPayload{
				Kind: ActionBuy,
				Buy:  &BuySharesRequest{},
				Sell: &SellSharesRequest{},
			},
			wantErr: "exactly one body",
		},
		{
			name: "body does not match kind",
			payload: RequestPayload{
				Kind: ActionBuy,
				Sell: &SellSharesRequest{},
			},
			wantErr: "does not match kind",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := EncodeRequest(tc.payload)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("EncodeRequest: %v", err)
				}
				decoded, err := DecodeRequest(encoded)
				if err != nil {
					t.Fatalf("DecodeRequest: %v", err)
				}
				if decoded.Kind != tc.payload.Kind {
					t.Fatalf("round trip kind = %q, want %q", decoded.Kind, tc.payload.Kind)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeResponseValidation(t *testing.T) {
	encoded, err := EncodeResponse(ResponsePayload{
		Kind:  ActionClaim,
		Claim: &ClaimWinningsResult{TxSignature: "sig", AlreadyClaimed: true},
	})
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	decoded, err := DecodeResponse(encoded)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if decoded.Claim == nil || !decoded.Claim.AlreadyClaimed {
		t.Fatalf("round trip lost claim body: %+v", decoded)
	}

	if _, err := DecodeResponse([]byte(`{"kind":"Buy"}`)); err == nil {
		t.Fatal("bodiless response accepted")
	}
	if _, err := DecodeResponse([]byte(`not json`)); err == nil {
		t.Fatal("malformed response accepted")
	}
}
