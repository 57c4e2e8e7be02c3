package state

import (
	"bytes"
	"forkchain/types"
	"github.com/pkg/errors"
	"strconv"
)

// SmallBankVerifier 执行small bank交易
//
// table:
// create_account(name, saving, checking)
// balance(name)                  只读
// deposit_checking(name, v)      checking += v
// transact_saving(name, v)       saving += v, saving不能为负
// amalgamate(from, to)           to.checking += from.total, from清零
// write_check(name, v)           total <= v 时额外扣1作为罚金
type SmallBankVerifier struct{}

var _ Verifier = SmallBankVerifier{}

func NewSmallBankVerifier() SmallBankVerifier {
	return SmallBankVerifier{}
}

// Verify implements Verifier
func (SmallBankVerifier) Verify(state State, block *types.Block) (StateDelta, error) {
	if block.ChainID != state.ChainID {
		return StateDelta{}, errors.Wrapf(ErrInvalidBlock, "wrong chain id %v, expected %v", block.ChainID, state.ChainID)
	}
	if block.Height != state.LastHeight+1 {
		return StateDelta{}, errors.Wrapf(ErrInvalidBlock, "wrong height %d, expected %d", block.Height, state.LastHeight+1)
	}
	if !bytes.Equal(block.PrevHash, state.LastHash) {
		return StateDelta{}, errors.Wrapf(ErrInvalidBlock, "wrong prev hash %v, expected %v", block.PrevHash, state.LastHash)
	}

	view := newAccountView(state.Accounts)
	for i, tx := range block.Txs {
		if err := view.apply(tx); err != nil {
			return StateDelta{}, errors.Wrapf(ErrInvalidBlock, "tx #%d %v: %v", i, tx, err)
		}
	}

	root := view.root()
	if !bytes.Equal(root, block.StateRoot) {
		return StateDelta{}, errors.Wrapf(ErrInvalidBlock, "wrong state root %X, expected %X", []byte(block.StateRoot), root)
	}

	return StateDelta{
		Height:    block.Height,
		Hash:      block.Hash(),
		Time:      block.Time,
		StateRoot: root,
		Accounts:  view.dirty,
	}, nil
}

// ExecuteTxs implements Verifier
func (SmallBankVerifier) ExecuteTxs(state State, txs types.Txs) (types.Txs, []byte) {
	view := newAccountView(state.Accounts)
	valid := make(types.Txs, 0, len(txs))
	for _, tx := range txs {
		if err := view.apply(tx); err != nil {
			continue
		}
		valid = append(valid, tx)
	}
	return valid, view.root()
}

// accountView 在base之上记录修改，base本身不会被改动
type accountView struct {
	base  map[string]Account
	dirty map[string]Account
}

func newAccountView(base map[string]Account) *accountView {
	return &accountView{
		base:  base,
		dirty: make(map[string]Account),
	}
}

func (view *accountView) get(name string) (Account, bool) {
	if acc, ok := view.dirty[name]; ok {
		return acc, true
	}
	acc, ok := view.base[name]
	return acc, ok
}

func (view *accountView) mustGet(name string) (Account, error) {
	acc, ok := view.get(name)
	if !ok {
		return Account{}, errors.Wrap(ErrAccountNotFound, name)
	}
	return acc, nil
}

func (view *accountView) root() []byte {
	merged := make(map[string]Account, len(view.base)+len(view.dirty))
	for name, acc := range view.base {
		merged[name] = acc
	}
	for name, acc := range view.dirty {
		merged[name] = acc
	}
	return AccountsHash(merged)
}

// apply 执行单个交易，失败时view不变
func (view *accountView) apply(tx types.Tx) error {
	if err := tx.ValidateBasic(); err != nil {
		return err
	}

	switch tx.Type {
	case types.TxCreateAccount:
		name := tx.Args[0]
		if _, ok := view.get(name); ok {
			return errors.Wrap(ErrAccountExists, name)
		}
		saving, err := parseAmount(tx.Args[1])
		if err != nil {
			return err
		}
		checking, err := parseAmount(tx.Args[2])
		if err != nil {
			return err
		}
		if saving < 0 || checking < 0 {
			return errors.Wrap(ErrInvalidAmount, "negative initial balance")
		}
		view.dirty[name] = Account{Saving: saving, Checking: checking}

	case types.TxBalance:
		// query only
		_, err := view.mustGet(tx.Args[0])
		return err

	case types.TxDepositChecking:
		acc, err := view.mustGet(tx.Args[0])
		if err != nil {
			return err
		}
		v, err := parseAmount(tx.Args[1])
		if err != nil {
			return err
		}
		if v < 0 {
			return errors.Wrap(ErrInvalidAmount, "negative deposit")
		}
		acc.Checking += v
		view.dirty[tx.Args[0]] = acc

	case types.TxTransactSaving:
		acc, err := view.mustGet(tx.Args[0])
		if err != nil {
			return err
		}
		v, err := parseAmount(tx.Args[1])
		if err != nil {
			return err
		}
		if acc.Saving+v < 0 {
			return errors.Wrapf(ErrInsufficientFunds, "saving %d, withdraw %d", acc.Saving, -v)
		}
		acc.Saving += v
		view.dirty[tx.Args[0]] = acc

	case types.TxAmalgamate:
		from, to := tx.Args[0], tx.Args[1]
		if from == to {
			return errors.Wrap(ErrInvalidAmount, "amalgamate into the same account")
		}
		fromAcc, err := view.mustGet(from)
		if err != nil {
			return err
		}
		toAcc, err := view.mustGet(to)
		if err != nil {
			return err
		}
		toAcc.Checking += fromAcc.Total()
		view.dirty[to] = toAcc
		view.dirty[from] = Account{}

	case types.TxWriteCheck:
		acc, err := view.mustGet(tx.Args[0])
		if err != nil {
			return err
		}
		v, err := parseAmount(tx.Args[1])
		if err != nil {
			return err
		}
		if v < 0 {
			return errors.Wrap(ErrInvalidAmount, "negative check")
		}
		if acc.Total() <= v {
			acc.Checking -= v + 1
		} else {
			acc.Checking -= v
		}
		view.dirty[tx.Args[0]] = acc

	default:
		return errors.Wrap(ErrUnknownTransaction, string(tx.Type))
	}
	return nil
}

func parseAmount(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidAmount, "%q", s)
	}
	return v, nil
}
