package chain

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	balanceAtFn          func(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	callContractFn       func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	codeAtFn             func(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	transactionReceiptFn func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	headerByNumberFn     func(ctx context.Context, number *big.Int) (*types.Header, error)
	filterLogsFn         func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balanceAtFn(ctx, account, blockNumber)
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callContractFn(ctx, call, blockNumber)
}

func (f *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.codeAtFn(ctx, account, blockNumber)
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.transactionReceiptFn(ctx, txHash)
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return f.headerByNumberFn(ctx, number)
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.filterLogsFn(ctx, q)
}

func headerAt(n int64) func(ctx context.Context, number *big.Int) (*types.Header, error) {
	return func(ctx context.Context, number *big.Int) (*types.Header, error) {
		return &types.Header{Number: big.NewInt(n)}, nil
	}
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		QueryTimeout:    time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

var (
	account  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestBalancePinsLatestBlock(t *testing.T) {
	backend := &fakeBackend{
		headerByNumberFn: headerAt(123),
		balanceAtFn: func(ctx context.Context, got common.Address, blockNumber *big.Int) (*big.Int, error) {
			require.Equal(t, account, got)
			require.Equal(t, int64(123), blockNumber.Int64())
			return big.NewInt(5), nil
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.Balance(context.Background(), account)
	require.NoError(t, err)
	require.False(t, res.Negative)
	require.Equal(t, int64(5), res.Value.Int64())
	require.Equal(t, uint64(123), res.BlockNumber)
}

func TestCallWithoutCodeIsNegative(t *testing.T) {
	backend := &fakeBackend{
		headerByNumberFn: headerAt(1),
		codeAtFn: func(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
			return nil, nil
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.Call(context.Background(), contract, []byte{0x70, 0xa0, 0x82, 0x31})
	require.NoError(t, err)
	require.True(t, res.Negative)
	require.Equal(t, "no contract code at address", res.Reason)
}

func TestCallRevertIsNegative(t *testing.T) {
	backend := &fakeBackend{
		headerByNumberFn: headerAt(1),
		codeAtFn: func(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
			return []byte{0x60}, nil
		},
		callContractFn: func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			return nil, errors.New("execution reverted: not eligible")
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.Call(context.Background(), contract, []byte{0x70, 0xa0, 0x82, 0x31})
	require.NoError(t, err)
	require.True(t, res.Negative)
	require.Equal(t, "contract call reverted", res.Reason)
}

func TestReceiptNotFoundIsNegative(t *testing.T) {
	backend := &fakeBackend{
		transactionReceiptFn: func(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
			return nil, ethereum.NotFound
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.Receipt(context.Background(), common.HexToHash("0x01"))
	require.NoError(t, err)
	require.True(t, res.Negative)
	require.Equal(t, "transaction not found", res.Reason)
}

func TestTokenBalanceDecodesReturnWord(t *testing.T) {
	backend := &fakeBackend{
		headerByNumberFn: headerAt(9),
		codeAtFn: func(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
			return []byte{0x60}, nil
		},
		callContractFn: func(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
			require.Equal(t, contract, *call.To)
			require.Equal(t, erc20BalanceOf, call.Data[:4])
			require.Equal(t, common.LeftPadBytes(account.Bytes(), 32), call.Data[4:])
			return common.LeftPadBytes(big.NewInt(42).Bytes(), 32), nil
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.TokenBalance(context.Background(), contract, account)
	require.NoError(t, err)
	require.Equal(t, int64(42), res.Value.Int64())
}

func TestLogsOpenEndedRange(t *testing.T) {
	topic := common.HexToHash("0x02")
	backend := &fakeBackend{
		headerByNumberFn: headerAt(50),
		filterLogsFn: func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
			require.Equal(t, []common.Address{contract}, q.Addresses)
			require.Equal(t, [][]common.Hash{{topic}}, q.Topics)
			require.Equal(t, int64(10), q.FromBlock.Int64())
			require.Nil(t, q.ToBlock)
			return []types.Log{{Address: contract}}, nil
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.Logs(context.Background(), contract, topic, 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Logs, 1)
	require.Equal(t, uint64(50), res.BlockNumber)
}

func TestRetryBudgetExhaustionMapsToUnreachable(t *testing.T) {
	var attempts atomic.Int32
	backend := &fakeBackend{
		headerByNumberFn: func(ctx context.Context, number *big.Int) (*types.Header, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	_, err := r.Balance(context.Background(), account)
	require.ErrorIs(t, err, ErrUnreachable)
	require.Equal(t, int32(3), attempts.Load())
}

func TestRetryRecoversOnSecondAttempt(t *testing.T) {
	var attempts atomic.Int32
	backend := &fakeBackend{
		headerByNumberFn: func(ctx context.Context, number *big.Int) (*types.Header, error) {
			if attempts.Add(1) == 1 {
				return nil, errors.New("connection reset")
			}
			return &types.Header{Number: big.NewInt(7)}, nil
		},
		balanceAtFn: func(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
			return big.NewInt(1), nil
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	res, err := r.Balance(context.Background(), account)
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.BlockNumber)
	require.Equal(t, int32(2), attempts.Load())
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	backend := &fakeBackend{
		headerByNumberFn: func(ctx context.Context, number *big.Int) (*types.Header, error) {
			cancel()
			return nil, errors.New("connection refused")
		},
	}

	r := NewReaderWithPolicy(backend, testPolicy())
	_, err := r.Balance(ctx, account)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrUnreachable)
}
