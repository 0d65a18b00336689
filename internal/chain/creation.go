package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNoCode indicates the address holds no contract code at the chain head.
var ErrNoCode = errors.New("address has no code at head")

// FindCreationBlock locates the first block at which the address has code,
// by binary search over the monotonic "has code" predicate. O(log head)
// probes.
func FindCreationBlock(ctx context.Context, client Client, address common.Address, head uint64) (uint64, error) {
	code, err := client.CodeAt(ctx, address, new(big.Int).SetUint64(head))
	if err != nil {
		return 0, err
	}
	if len(code) == 0 {
		return 0, ErrNoCode
	}

	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		code, err := client.CodeAt(ctx, address, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, err
		}
		if len(code) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}
