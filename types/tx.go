package types

import (
	"encoding/binary"
	"fmt"
	"github.com/tendermint/tendermint/crypto/merkle"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"strings"
)

// ===== small bank Tx =====

type TxType string

const (
	TxCreateAccount   = TxType("create_account")
	TxBalance         = TxType("balance")
	TxDepositChecking = TxType("deposit_checking")
	TxTransactSaving  = TxType("transact_saving")
	TxAmalgamate      = TxType("amalgamate")
	TxWriteCheck      = TxType("write_check")
)

// 每种交易需要的参数个数
var txArgCount = map[TxType]int{
	TxCreateAccount:   3, // name, saving, checking
	TxBalance:         1, // name
	TxDepositChecking: 2, // name, value
	TxTransactSaving:  2, // name, value
	TxAmalgamate:      2, // from, to
	TxWriteCheck:      2, // name, value
}

const TxKeySize = tmhash.Size

// TxKey is the fixed length array hash used as the key in maps.
type TxKey [TxKeySize]byte

type Tx struct {
	Type  TxType   `json:"type"`
	Args  []string `json:"args"`
	Nonce int64    `json:"nonce"` // 区分参数完全相同的两笔交易
}

func NewTx(txType TxType, nonce int64, args ...string) Tx {
	return Tx{
		Type:  txType,
		Args:  args,
		Nonce: nonce,
	}
}

func (tx Tx) Hash() []byte {
	h := tmhash.New()
	h.Write([]byte(tx.Type))
	for _, arg := range tx.Args {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], uint64(tx.Nonce))
	h.Write(nonce[:])

	return h.Sum(nil)
}

func (tx Tx) Key() TxKey {
	var key TxKey
	copy(key[:], tx.Hash())
	return key
}

// Size 估算交易编码后的大小
func (tx Tx) Size() int {
	s := len(tx.Type) + 8
	for _, arg := range tx.Args {
		s += len(arg) + 1
	}
	return s
}

func (tx Tx) ValidateBasic() error {
	want, ok := txArgCount[tx.Type]
	if !ok {
		return fmt.Errorf("wrong small bank tx type(%v)", tx.Type)
	}
	if len(tx.Args) != want {
		return fmt.Errorf("%v tx expects %d args, got %d", tx.Type, want, len(tx.Args))
	}
	for i, arg := range tx.Args {
		if arg == "" {
			return fmt.Errorf("%v tx has empty arg #%d", tx.Type, i)
		}
	}
	return nil
}

func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%v(%v) #%d}", tx.Type, strings.Join(tx.Args, ","), tx.Nonce)
}

// ===== tx array =====
type Txs []Tx

// 返回交易形成的merkle tree的根value
func (txs Txs) Hash() []byte {
	txBzs := make([][]byte, len(txs))
	for i := 0; i < len(txs); i++ {
		txBzs[i] = txs[i].Hash()
	}
	return merkle.HashFromByteSlices(txBzs)
}

func (txs Txs) Size() int {
	var size int
	for _, tx := range txs {
		size += tx.Size()
	}
	return size
}

func (txs Txs) Keys() map[TxKey]struct{} {
	keys := make(map[TxKey]struct{}, len(txs))
	for _, tx := range txs {
		keys[tx.Key()] = struct{}{}
	}
	return keys
}
