package types

import (
	"encoding/binary"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"math/bits"
)

// MaxTargetBits 限制单个区块的权重，防止累加rank时溢出
const MaxTargetBits = 48

// PowHash = H(blockHash || nonce)
func PowHash(blockHash []byte, nonce uint64) []byte {
	var bz [8]byte
	binary.BigEndian.PutUint64(bz[:], nonce)
	h := tmhash.New()
	h.Write(blockHash)
	h.Write(bz[:])
	return h.Sum(nil)
}

// LeadingZeroBits 返回hash前导0的bit数
func LeadingZeroBits(hash []byte) uint32 {
	var n uint32
	for _, b := range hash {
		if b == 0 {
			n += 8
			continue
		}
		n += uint32(bits.LeadingZeros8(b))
		break
	}
	return n
}

func CheckPow(blockHash []byte, nonce uint64, targetBits uint32) bool {
	return LeadingZeroBits(PowHash(blockHash, nonce)) >= targetBits
}
