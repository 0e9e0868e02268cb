package wallet

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var castVoteSelector = gethcrypto.Keccak256([]byte("castVote(bytes32,uint8)"))[:4]

// SpeciesKey derives the 32-byte on-ledger key for a species identifier.
func SpeciesKey(speciesID string) common.Hash {
	return gethcrypto.Keccak256Hash([]byte(strings.TrimSpace(speciesID)))
}

// EncodeVoteCall builds the payment call for one vote unit: a castVote(species, rating)
// invocation on the payee contract carrying the unit price as value.
func EncodeVoteCall(payee, speciesID string, rating int, price *uint256.Int) (PaymentCall, error) {
	if !common.IsHexAddress(payee) {
		return PaymentCall{}, fmt.Errorf("wallet: invalid payee address %q", payee)
	}
	if rating < 1 || rating > 255 {
		return PaymentCall{}, fmt.Errorf("wallet: rating %d out of range", rating)
	}
	if price == nil {
		price = new(uint256.Int)
	}
	key := SpeciesKey(speciesID)
	data := make([]byte, 0, 4+32+32)
	data = append(data, castVoteSelector...)
	data = append(data, key.Bytes()...)
	data = append(data, common.LeftPadBytes([]byte{byte(rating)}, 32)...)
	return PaymentCall{
		To:    common.HexToAddress(payee).Hex(),
		Value: new(uint256.Int).Set(price),
		Data:  data,
	}, nil
}

// TotalValue sums the value carried by a set of calls.
func TotalValue(calls []PaymentCall) *uint256.Int {
	total := new(uint256.Int)
	for _, call := range calls {
		if call.Value != nil {
			total.Add(total, call.Value)
		}
	}
	return total
}
