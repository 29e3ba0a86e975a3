// Package chain wraps JSON-RPC access to the blockchain node behind typed
// queries. Results are always fresh: nothing is cached across calls.
package chain

import (
	"context"
	"errors"
	"math/big"

	"questplane/pkg/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrUnreachable is returned once the retry budget for a query is exhausted.
// It marks a transient condition: the task stays unresolved and is retried on
// a later request.
var ErrUnreachable = errors.New("chain: node unreachable")

// Backend is the RPC surface the reader needs. *ethclient.Client satisfies
// it; tests substitute a fake.
type Backend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Result is the outcome of a single chain query. A definitive on-chain "no"
// (contract reverted, address without code, receipt unknown) sets Negative
// instead of producing an error: verification failure is data, not exception.
type Result struct {
	Negative    bool
	Reason      string
	Value       *big.Int
	Data        []byte
	Receipt     *types.Receipt
	Logs        []types.Log
	BlockNumber uint64
}

var Module = fx.Module("chain",
	fx.Provide(
		NewBackend,
		NewReader,
	),
)

func NewBackend(lc fx.Lifecycle, cfg *config.Config) (Backend, error) {
	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}

	zap.L().Info("[Chain] Connected to RPC node", zap.String("url", cfg.Chain.RPCURL))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			client.Close()
			return nil
		},
	})

	return client, nil
}
