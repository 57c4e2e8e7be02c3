package syncer

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	// go-metrics第一次创建Meter(Timer)时会启动全局的meterArbiter goroutine且不会退出，
	// 在leaktest记录goroutine快照之前先创建一次
	newSyncMetric()
	os.Exit(m.Run())
}
