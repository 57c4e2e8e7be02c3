package consensus

import (
	"forkchain/types"
	"runtime"
)

// DefaultPollInterval 每尝试这么多个nonce检查一次是否需要停止
const DefaultPollInterval = 1024

// mine 从start开始搜索满足targetBits的nonce
// 每pollInterval个nonce调用一次stop，返回true时放弃并返回errMiningAborted
func mine(blockHash []byte, targetBits uint32, start, pollInterval uint64, stop func() bool) (uint64, error) {
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	for nonce, tried := start, uint64(0); ; nonce, tried = nonce+1, tried+1 {
		if tried%pollInterval == 0 {
			if stop() {
				return 0, errMiningAborted
			}
			runtime.Gosched()
		}
		if types.CheckPow(blockHash, nonce, targetBits) {
			return nonce, nil
		}
	}
}
