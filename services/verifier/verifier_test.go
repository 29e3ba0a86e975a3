package verifier

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"questplane/pkg/chain"
	"questplane/services/quest"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type fakeReader struct {
	balanceFn      func(ctx context.Context, account common.Address) (chain.Result, error)
	tokenBalanceFn func(ctx context.Context, token, holder common.Address) (chain.Result, error)
	callFn         func(ctx context.Context, contract common.Address, calldata []byte) (chain.Result, error)
	logsFn         func(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) (chain.Result, error)
}

func (f *fakeReader) Balance(ctx context.Context, account common.Address) (chain.Result, error) {
	return f.balanceFn(ctx, account)
}

func (f *fakeReader) TokenBalance(ctx context.Context, token, holder common.Address) (chain.Result, error) {
	return f.tokenBalanceFn(ctx, token, holder)
}

func (f *fakeReader) Call(ctx context.Context, contract common.Address, calldata []byte) (chain.Result, error) {
	return f.callFn(ctx, contract, calldata)
}

func (f *fakeReader) Logs(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) (chain.Result, error) {
	return f.logsFn(ctx, contract, topic, from, to)
}

func balanceTask(t *testing.T, threshold, token string) *quest.Task {
	t.Helper()
	raw, err := json.Marshal(quest.BalanceRuleParams{Token: token, Threshold: threshold})
	require.NoError(t, err)
	return &quest.Task{
		ID:         "task-1",
		QuestID:    "quest-1",
		RuleKind:   quest.RuleBalanceAtLeast,
		RuleParams: datatypes.JSON(raw),
	}
}

var holder = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestVerifyBalanceAtLeast(t *testing.T) {
	// Threshold beyond uint64 range: comparison must stay in big.Int.
	threshold := "18446744073709551617"
	above, ok := new(big.Int).SetString("18446744073709551618", 10)
	require.True(t, ok)

	reader := &fakeReader{
		balanceFn: func(ctx context.Context, account common.Address) (chain.Result, error) {
			require.Equal(t, holder, account)
			return chain.Result{Value: above, BlockNumber: 100}, nil
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), balanceTask(t, threshold, ""), holder)
	require.NoError(t, err)
	require.Equal(t, StatusSatisfied, verdict.Status)

	var ev Evidence
	require.NoError(t, json.Unmarshal(verdict.Evidence, &ev))
	require.Equal(t, uint64(100), ev.BlockNumber)
	require.Equal(t, above.String(), ev.Observed)
}

func TestVerifyBalanceBelowThreshold(t *testing.T) {
	reader := &fakeReader{
		balanceFn: func(ctx context.Context, account common.Address) (chain.Result, error) {
			return chain.Result{Value: big.NewInt(5), BlockNumber: 100}, nil
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), balanceTask(t, "10", ""), holder)
	require.NoError(t, err)
	require.Equal(t, StatusUnsatisfied, verdict.Status)
	require.Equal(t, "balance below threshold", verdict.Reason)
}

func TestVerifyBalanceEqualThresholdSatisfies(t *testing.T) {
	reader := &fakeReader{
		balanceFn: func(ctx context.Context, account common.Address) (chain.Result, error) {
			return chain.Result{Value: big.NewInt(10), BlockNumber: 1}, nil
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), balanceTask(t, "10", ""), holder)
	require.NoError(t, err)
	require.Equal(t, StatusSatisfied, verdict.Status)
}

func TestVerifyTokenBalanceNegativeIsUnsatisfied(t *testing.T) {
	reader := &fakeReader{
		tokenBalanceFn: func(ctx context.Context, token, holder common.Address) (chain.Result, error) {
			return chain.Result{Negative: true, Reason: "no contract code at address"}, nil
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), balanceTask(t, "1", "0x00000000000000000000000000000000000000bb"), holder)
	require.NoError(t, err)
	require.Equal(t, StatusUnsatisfied, verdict.Status)
	require.Equal(t, "no contract code at address", verdict.Reason)
}

func TestVerifyUnreachableIsUnresolved(t *testing.T) {
	reader := &fakeReader{
		balanceFn: func(ctx context.Context, account common.Address) (chain.Result, error) {
			return chain.Result{}, chain.ErrUnreachable
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), balanceTask(t, "1", ""), holder)
	require.NoError(t, err)
	require.Equal(t, StatusUnresolved, verdict.Status)
}

func TestVerifyContractCallEquals(t *testing.T) {
	raw, err := json.Marshal(quest.CallRuleParams{
		Contract: "0x00000000000000000000000000000000000000cc",
		Calldata: "0x70a08231",
		Expected: "0x2a",
	})
	require.NoError(t, err)
	task := &quest.Task{ID: "task-2", RuleKind: quest.RuleContractCallEquals, RuleParams: datatypes.JSON(raw)}

	reader := &fakeReader{
		callFn: func(ctx context.Context, contract common.Address, calldata []byte) (chain.Result, error) {
			// Selector-only calldata gets the caller appended.
			require.Len(t, calldata, 36)
			require.Equal(t, common.LeftPadBytes(holder.Bytes(), 32), calldata[4:])
			return chain.Result{Data: common.LeftPadBytes(big.NewInt(42).Bytes(), 32), BlockNumber: 7}, nil
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), task, holder)
	require.NoError(t, err)
	require.Equal(t, StatusSatisfied, verdict.Status)
}

func TestVerifyContractCallRevertIsUnsatisfied(t *testing.T) {
	raw, err := json.Marshal(quest.CallRuleParams{
		Contract: "0x00000000000000000000000000000000000000cc",
		Calldata: "0x70a08231",
		Expected: "1",
	})
	require.NoError(t, err)
	task := &quest.Task{ID: "task-2", RuleKind: quest.RuleContractCallEquals, RuleParams: datatypes.JSON(raw)}

	reader := &fakeReader{
		callFn: func(ctx context.Context, contract common.Address, calldata []byte) (chain.Result, error) {
			return chain.Result{Negative: true, Reason: "contract call reverted"}, nil
		},
	}

	v := NewVerifierWithReader(reader)
	verdict, err := v.Verify(context.Background(), task, holder)
	require.NoError(t, err)
	require.Equal(t, StatusUnsatisfied, verdict.Status)
}

func TestVerifyEventEmitted(t *testing.T) {
	topic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")
	raw, err := json.Marshal(quest.EventRuleParams{
		Contract:  "0x00000000000000000000000000000000000000dd",
		Topic:     topic.Hex(),
		FromBlock: 10,
	})
	require.NoError(t, err)
	task := &quest.Task{ID: "task-3", RuleKind: quest.RuleEventEmitted, RuleParams: datatypes.JSON(raw)}

	addrTopic := common.BytesToHash(common.LeftPadBytes(holder.Bytes(), 32))

	t.Run("address in indexed topics", func(t *testing.T) {
		reader := &fakeReader{
			logsFn: func(ctx context.Context, contract common.Address, got common.Hash, from, to uint64) (chain.Result, error) {
				require.Equal(t, topic, got)
				require.Equal(t, uint64(10), from)
				return chain.Result{
					Logs: []types.Log{{Topics: []common.Hash{topic, addrTopic}}},
				}, nil
			},
		}

		v := NewVerifierWithReader(reader)
		verdict, err := v.Verify(context.Background(), task, holder)
		require.NoError(t, err)
		require.Equal(t, StatusSatisfied, verdict.Status)
	})

	t.Run("no matching log", func(t *testing.T) {
		reader := &fakeReader{
			logsFn: func(ctx context.Context, contract common.Address, got common.Hash, from, to uint64) (chain.Result, error) {
				return chain.Result{Logs: nil}, nil
			},
		}

		v := NewVerifierWithReader(reader)
		verdict, err := v.Verify(context.Background(), task, holder)
		require.NoError(t, err)
		require.Equal(t, StatusUnsatisfied, verdict.Status)
	})
}

func TestVerifyUnknownRuleIsError(t *testing.T) {
	task := &quest.Task{ID: "task-4", RuleKind: quest.RuleKind("proof-of-humanity")}

	v := NewVerifierWithReader(&fakeReader{})
	_, err := v.Verify(context.Background(), task, holder)
	require.Error(t, err)
}
