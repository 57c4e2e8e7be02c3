package syncer

import "github.com/pkg/errors"

var (
	// ErrPeerSyncTimeout 请求超时或者所有重试都失败，属于peer的问题，不影响engine
	ErrPeerSyncTimeout = errors.New("peer sync timeout")

	// ErrInvalidResponse peer返回的区块不连续或者超过了batch大小
	ErrInvalidResponse = errors.New("invalid sync response")

	errPeerUnreachable = errors.New("peer unreachable")
	errNoProgress      = errors.New("sync made no progress")
)
