// Package chain verifies USDC escrow payments against an EVM chain.
// Read-only: it never signs or sends transactions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrRPCConnection = errors.New("chain: RPC connection failed")
	ErrWrongNetwork  = errors.New("chain: connected to wrong network")
)

// Verifier checks ERC-20 transfers via transaction receipts
type Verifier struct {
	client       *ethclient.Client
	usdcContract common.Address
}

// Dial connects to the RPC endpoint and checks the network ID
func Dial(ctx context.Context, rpcURL string, chainID int64, usdcContract string) (*Verifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}

	network, err := client.NetworkID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if network.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongNetwork, network.Int64(), chainID)
	}

	return &Verifier{
		client:       client,
		usdcContract: common.HexToAddress(usdcContract),
	}, nil
}

// VerifyTransfer reports whether txHash contains a successful USDC
// Transfer of at least minAmount (smallest units) from `from` to `to`.
// A missing receipt is an error, not a negative answer; the caller
// retries later.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash, from, to string, minAmount int64) (bool, error) {
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)
	min := big.NewInt(minAmount)

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return false, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt.Status == 0 {
		return false, nil
	}

	// Transfer(address indexed from, address indexed to, uint256 value)
	for _, log := range receipt.Logs {
		if log.Address != v.usdcContract {
			continue
		}
		if len(log.Topics) < 3 {
			continue
		}

		eventFrom := common.HexToAddress(log.Topics[1].Hex())
		eventTo := common.HexToAddress(log.Topics[2].Hex())
		eventAmount := new(big.Int).SetBytes(log.Data)

		if eventFrom == fromAddr && eventTo == toAddr && eventAmount.Cmp(min) >= 0 {
			return true, nil
		}
	}
	return false, nil
}

// Close closes the underlying client connection
func (v *Verifier) Close() {
	if v.client != nil {
		v.client.Close()
	}
}
