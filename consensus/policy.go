package consensus

import (
	"fmt"
	"github.com/pkg/errors"
	"time"
)

// RankMetric 决定fork的rank如何计算
type RankMetric uint8

const (
	// RankByLength 最长链
	RankByLength = RankMetric(1)
	// RankByWeight 累计权重: pow为难度之和，vote为投票权重之和
	RankByWeight = RankMetric(2)
)

func (m RankMetric) String() string {
	switch m {
	case RankByLength:
		return "length"
	case RankByWeight:
		return "weight"
	default:
		return "unknown"
	}
}

func ParseRankMetric(s string) (RankMetric, error) {
	switch s {
	case "length":
		return RankByLength, nil
	case "weight":
		return RankByWeight, nil
	default:
		return 0, fmt.Errorf("unknown rank metric %q", s)
	}
}

// SafePrefixFunc 返回best fork中可以finalize的前缀长度
// depth >= threshold时才会被调用，返回值需要在[0, depth]之间
type SafePrefixFunc func(depth, threshold int) int

// DepthSafePrefix finalize所有在best fork中至少有threshold-1个后代的提案
func DepthSafePrefix(depth, threshold int) int {
	return depth - threshold + 1
}

// TipSafePrefix 只保留tip，其余全部finalize
func TipSafePrefix(depth, threshold int) int {
	return depth - 1
}

func ParseSafePrefix(s string) (SafePrefixFunc, error) {
	switch s {
	case "depth":
		return DepthSafePrefix, nil
	case "tip":
		return TipSafePrefix, nil
	default:
		return nil, fmt.Errorf("unknown safe prefix rule %q", s)
	}
}

// ConfirmationPolicy 控制何时finalize以及finalize多少
type ConfirmationPolicy struct {
	// best fork在分叉点之后的深度达到该值才会finalize
	ConfirmationThreshold int
	Metric                RankMetric
	SafePrefix            SafePrefixFunc

	// 存在rank相同但不包含待finalize前缀的fork时推迟finalize
	DeferOnTie bool

	// store连续写入失败超过该次数后engine停止
	MaxStoreFailures int

	OrphanPoolSize int
	OrphanTTL      time.Duration
}

func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{
		ConfirmationThreshold: 6,
		Metric:                RankByLength,
		SafePrefix:            DepthSafePrefix,
		DeferOnTie:            true,
		MaxStoreFailures:      3,
		OrphanPoolSize:        256,
		OrphanTTL:             time.Minute,
	}
}

func (p ConfirmationPolicy) ValidateBasic() error {
	if p.ConfirmationThreshold < 1 {
		return errors.New("confirmation threshold must be at least 1")
	}
	if p.Metric != RankByLength && p.Metric != RankByWeight {
		return errors.Errorf("unknown rank metric %d", p.Metric)
	}
	if p.SafePrefix == nil {
		return errors.New("nil safe prefix rule")
	}
	if p.MaxStoreFailures < 1 {
		return errors.New("max store failures must be positive")
	}
	if p.OrphanPoolSize < 1 {
		return errors.New("orphan pool size must be positive")
	}
	if p.OrphanTTL <= 0 {
		return errors.New("orphan ttl must be positive")
	}
	return nil
}
