package consensus

import "github.com/pkg/errors"

var (
	// ErrOrphanProposal 父区块未知，提案被放入orphan pool等待父区块
	ErrOrphanProposal = errors.New("orphan proposal")
	// ErrInvalidProposal 提案格式错误或者验证失败，提案被丢弃
	ErrInvalidProposal = errors.New("invalid proposal")
	// ErrDuplicateProposal 提案已经在某个fork或者canonical chain中
	ErrDuplicateProposal = errors.New("duplicate proposal")
	// ErrForkSetEmpty 没有任何fork，需要先bootstrap
	ErrForkSetEmpty = errors.New("fork set is empty")
	// ErrBlockStoreWrite 写入store失败，本次finalize没有任何效果
	ErrBlockStoreWrite = errors.New("block store write failure")
	// ErrEngineHalted store连续写入失败后engine停止工作
	ErrEngineHalted = errors.New("consensus engine halted")

	errMiningAborted = errors.New("mining aborted")
	errNotLeader     = errors.New("not the leader of this height")
)
