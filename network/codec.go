package network

import (
	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

// MaxMsgSize 单条消息的最大大小
const MaxMsgSize = 4 * 1024 * 1024

// tmjson只在interface字段上输出类型信息
type wireMessage struct {
	Msg Message `json:"msg"`
}

func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	return tmjson.Marshal(wireMessage{Msg: msg})
}

func MustEncode(msg Message) []byte {
	bz, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return bz
}

// Decode 解码并检查消息的基本合法性
func Decode(bz []byte) (Message, error) {
	if len(bz) > MaxMsgSize {
		return nil, errors.Errorf("msg exceeds max size (%d > %d)", len(bz), MaxMsgSize)
	}
	var w wireMessage
	if err := tmjson.Unmarshal(bz, &w); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	if w.Msg == nil {
		return nil, errors.New("empty message")
	}
	if err := w.Msg.ValidateBasic(); err != nil {
		return nil, errors.Wrapf(err, "invalid %T", w.Msg)
	}
	return w.Msg, nil
}
