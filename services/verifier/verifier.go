// Package verifier evaluates a single quest task against live chain state.
// A verdict is either definitive (satisfied or unsatisfied, both backed by a
// fresh query) or unresolved when the node could not be reached. Unresolved
// never completes nor fails a task; callers retry on a later check.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"questplane/pkg/chain"
	"questplane/pkg/errutil"
	"questplane/services/quest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Status string

const (
	StatusSatisfied   Status = "satisfied"
	StatusUnsatisfied Status = "unsatisfied"
	StatusUnresolved  Status = "unresolved"
)

// Verdict is the outcome of verifying one task for one address.
type Verdict struct {
	Status   Status          `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// Evidence records what the chain said at verification time. It is persisted
// with the completion so a grant can always be traced back to an observation.
type Evidence struct {
	Rule        quest.RuleKind `json:"rule"`
	BlockNumber uint64         `json:"block_number"`
	Observed    string         `json:"observed,omitempty"`
	Expected    string         `json:"expected,omitempty"`
	TxHash      string         `json:"tx_hash,omitempty"`
}

// ChainReader is the query surface the verifier needs. *chain.Reader
// satisfies it; tests substitute a fake.
type ChainReader interface {
	Balance(ctx context.Context, account common.Address) (chain.Result, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (chain.Result, error)
	Call(ctx context.Context, contract common.Address, calldata []byte) (chain.Result, error)
	Logs(ctx context.Context, contract common.Address, topic common.Hash, from, to uint64) (chain.Result, error)
}

type Verifier struct {
	reader ChainReader
}

type Params struct {
	fx.In
	Reader *chain.Reader
}

func NewVerifier(p Params) *Verifier {
	return &Verifier{reader: p.Reader}
}

// NewVerifierWithReader is the constructor used by tests.
func NewVerifierWithReader(r ChainReader) *Verifier {
	return &Verifier{reader: r}
}

// Verify dispatches on the task's rule kind. A malformed or unknown rule is
// a configuration error, never a user-facing failure. Node unreachability
// maps to an unresolved verdict.
func (v *Verifier) Verify(ctx context.Context, task *quest.Task, address common.Address) (Verdict, error) {
	var (
		verdict Verdict
		err     error
	)

	switch task.RuleKind {
	case quest.RuleBalanceAtLeast:
		verdict, err = v.verifyBalance(ctx, task, address)
	case quest.RuleContractCallEquals:
		verdict, err = v.verifyCall(ctx, task, address)
	case quest.RuleEventEmitted:
		verdict, err = v.verifyEvent(ctx, task, address)
	default:
		return Verdict{}, errutil.UnprocessableEntity("unknown rule kind: "+string(task.RuleKind), nil)
	}

	if err != nil {
		if errors.Is(err, chain.ErrUnreachable) {
			zap.L().Warn("task verification unresolved",
				zap.String("task_id", task.ID),
				zap.String("rule", string(task.RuleKind)),
				zap.Error(err),
			)
			return Verdict{Status: StatusUnresolved, Reason: "chain node unreachable"}, nil
		}
		return Verdict{}, err
	}

	return verdict, nil
}

func (v *Verifier) verifyBalance(ctx context.Context, task *quest.Task, address common.Address) (Verdict, error) {
	params, err := task.BalanceRule()
	if err != nil {
		return Verdict{}, errutil.UnprocessableEntity("malformed balance-at-least params", err, errutil.WithErr(err))
	}

	threshold, ok := parseBig(params.Threshold)
	if !ok {
		return Verdict{}, errutil.UnprocessableEntity("malformed balance threshold: "+params.Threshold, nil)
	}

	var res chain.Result
	if params.Token == "" {
		res, err = v.reader.Balance(ctx, address)
	} else {
		res, err = v.reader.TokenBalance(ctx, common.HexToAddress(params.Token), address)
	}
	if err != nil {
		return Verdict{}, err
	}
	if res.Negative {
		return Verdict{Status: StatusUnsatisfied, Reason: res.Reason}, nil
	}

	ev := Evidence{
		Rule:        task.RuleKind,
		BlockNumber: res.BlockNumber,
		Observed:    res.Value.String(),
		Expected:    threshold.String(),
	}
	if res.Value.Cmp(threshold) >= 0 {
		return satisfied(ev)
	}
	return Verdict{Status: StatusUnsatisfied, Reason: "balance below threshold"}, nil
}

// verifyCall runs a read-only call and compares the returned word against
// the expected value. Selector-only calldata gets the address appended as a
// single padded argument, which covers the common balanceOf/ownerOf shape.
func (v *Verifier) verifyCall(ctx context.Context, task *quest.Task, address common.Address) (Verdict, error) {
	params, err := task.CallRule()
	if err != nil {
		return Verdict{}, errutil.UnprocessableEntity("malformed contract-call-equals params", err, errutil.WithErr(err))
	}

	calldata := common.FromHex(params.Calldata)
	if len(calldata) < 4 {
		return Verdict{}, errutil.UnprocessableEntity("calldata must carry a 4-byte selector", nil)
	}
	if len(calldata) == 4 {
		calldata = append(calldata, common.LeftPadBytes(address.Bytes(), 32)...)
	}

	expected, ok := parseBig(params.Expected)
	if !ok {
		return Verdict{}, errutil.UnprocessableEntity("malformed expected value: "+params.Expected, nil)
	}

	res, err := v.reader.Call(ctx, common.HexToAddress(params.Contract), calldata)
	if err != nil {
		return Verdict{}, err
	}
	if res.Negative {
		return Verdict{Status: StatusUnsatisfied, Reason: res.Reason}, nil
	}

	observed := new(big.Int).SetBytes(res.Data)
	ev := Evidence{
		Rule:        task.RuleKind,
		BlockNumber: res.BlockNumber,
		Observed:    observed.String(),
		Expected:    expected.String(),
	}
	if observed.Cmp(expected) == 0 {
		return satisfied(ev)
	}
	return Verdict{Status: StatusUnsatisfied, Reason: "call result does not match expected value"}, nil
}

// verifyEvent looks for a log from the contract with the configured event
// topic that also references the address in one of its indexed topics. An
// empty result set is a definitive no.
func (v *Verifier) verifyEvent(ctx context.Context, task *quest.Task, address common.Address) (Verdict, error) {
	params, err := task.EventRule()
	if err != nil {
		return Verdict{}, errutil.UnprocessableEntity("malformed event-emitted params", err, errutil.WithErr(err))
	}

	res, err := v.reader.Logs(ctx, common.HexToAddress(params.Contract), common.HexToHash(params.Topic), params.FromBlock, params.ToBlock)
	if err != nil {
		return Verdict{}, err
	}
	if res.Negative {
		return Verdict{Status: StatusUnsatisfied, Reason: res.Reason}, nil
	}

	want := common.BytesToHash(common.LeftPadBytes(address.Bytes(), 32))
	for _, log := range res.Logs {
		for _, topic := range log.Topics[1:] {
			if topic == want {
				return satisfied(Evidence{
					Rule:        task.RuleKind,
					BlockNumber: res.BlockNumber,
					TxHash:      log.TxHash.Hex(),
				})
			}
		}
	}

	return Verdict{Status: StatusUnsatisfied, Reason: "no matching event for address"}, nil
}

func satisfied(ev Evidence) (Verdict, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Status: StatusSatisfied, Evidence: raw}, nil
}

// parseBig accepts decimal or 0x-hex. Chain quantities routinely exceed
// 64-bit range, so everything stays in big.Int.
func parseBig(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}
