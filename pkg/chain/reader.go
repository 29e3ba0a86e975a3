package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"questplane/pkg/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// erc20BalanceOf is the 4-byte selector of balanceOf(address).
var erc20BalanceOf = []byte{0x70, 0xa0, 0x82, 0x31}

// RetryPolicy bounds a single query: every attempt gets QueryTimeout, and at
// most MaxAttempts attempts are made with exponential backoff in between.
type RetryPolicy struct {
	MaxAttempts     int
	QueryTimeout    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Reader struct {
	backend Backend
	policy  RetryPolicy
}

func NewReader(cfg *config.Config, backend Backend) *Reader {
	return &Reader{
		backend: backend,
		policy: RetryPolicy{
			MaxAttempts:     cfg.Chain.MaxAttempts,
			QueryTimeout:    cfg.Chain.QueryTimeout,
			InitialInterval: cfg.Chain.InitialInterval,
			MaxInterval:     cfg.Chain.MaxInterval,
		},
	}
}

// NewReaderWithPolicy is the constructor used by tests and tools that do not
// go through fx.
func NewReaderWithPolicy(backend Backend, policy RetryPolicy) *Reader {
	return &Reader{backend: backend, policy: policy}
}

// Balance returns the native balance of account at the latest block.
func (r *Reader) Balance(ctx context.Context, account common.Address) (Result, error) {
	var res Result
	err := r.withRetry(ctx, "balance", func(ctx context.Context) error {
		head, err := r.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		bal, err := r.backend.BalanceAt(ctx, account, head.Number)
		if err != nil {
			return err
		}
		res = Result{Value: bal, BlockNumber: head.Number.Uint64()}
		return nil
	})
	return res, err
}

// TokenBalance returns the ERC-20 balance of holder on token. A token address
// without code is a definitive negative, not an error.
func (r *Reader) TokenBalance(ctx context.Context, token, holder common.Address) (Result, error) {
	calldata := make([]byte, 0, 36)
	calldata = append(calldata, erc20BalanceOf...)
	calldata = append(calldata, common.LeftPadBytes(holder.Bytes(), 32)...)

	res, err := r.Call(ctx, token, calldata)
	if err != nil || res.Negative {
		return res, err
	}

	res.Value = new(big.Int).SetBytes(res.Data)
	return res, nil
}

// Call executes a read-only contract call. Reverts and calls against
// codeless addresses come back as negative results.
func (r *Reader) Call(ctx context.Context, contract common.Address, calldata []byte) (Result, error) {
	var res Result
	err := r.withRetry(ctx, "call", func(ctx context.Context) error {
		head, err := r.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}

		code, err := r.backend.CodeAt(ctx, contract, head.Number)
		if err != nil {
			return err
		}
		if len(code) == 0 {
			res = Result{Negative: true, Reason: "no contract code at address", BlockNumber: head.Number.Uint64()}
			return nil
		}

		data, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: calldata}, head.Number)
		if err != nil {
			if isRevert(err) {
				res = Result{Negative: true, Reason: "contract call reverted", BlockNumber: head.Number.Uint64()}
				return nil
			}
			return err
		}

		res = Result{Data: data, BlockNumber: head.Number.Uint64()}
		return nil
	})
	return res, err
}

// Receipt fetches the receipt for txHash. An unknown transaction is a
// definitive negative.
func (r *Reader) Receipt(ctx context.Context, txHash common.Hash) (Result, error) {
	var res Result
	err := r.withRetry(ctx, "receipt", func(ctx context.Context) error {
		receipt, err := r.backend.TransactionReceipt(ctx, txHash)
		if err != nil {
			if err == ethereum.NotFound {
				res = Result{Negative: true, Reason: "transaction not found"}
				return nil
			}
			return err
		}
		res = Result{Receipt: receipt, BlockNumber: receipt.BlockNumber.Uint64()}
		return nil
	})
	return res, err
}

// Logs returns the logs emitted by contract with the given first topic in
// the block range [from, to]. An empty result set is data, not an error.
func (r *Reader) Logs(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) (Result, error) {
	var res Result
	err := r.withRetry(ctx, "logs", func(ctx context.Context) error {
		head, err := r.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}

		query := ethereum.FilterQuery{
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{{topic}},
			FromBlock: new(big.Int).SetUint64(from),
		}
		if to > 0 {
			query.ToBlock = new(big.Int).SetUint64(to)
		}

		logs, err := r.backend.FilterLogs(ctx, query)
		if err != nil {
			return err
		}

		res = Result{Logs: logs, BlockNumber: head.Number.Uint64()}
		return nil
	})
	return res, err
}

// withRetry runs op with a per-attempt timeout and the reader's backoff
// schedule. Exhaustion maps to ErrUnreachable.
func (r *Reader) withRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval

	attempts := uint64(r.policy.MaxAttempts)
	if attempts == 0 {
		attempts = 1
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		qctx, cancel := context.WithTimeout(ctx, r.policy.QueryTimeout)
		defer cancel()

		if err := op(qctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			zap.L().Warn("chain query failed",
				zap.String("query", name),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(exp, attempts-1), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return nil
}

// isRevert reports whether a call error is the node telling us the contract
// rejected the call, as opposed to a transport failure.
func isRevert(err error) bool {
	if _, ok := err.(rpc.DataError); ok {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
