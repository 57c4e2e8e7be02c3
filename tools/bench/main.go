package main

import (
	"context"
	"fmt"
	"forkchain/monitor"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"
	"os"
	"time"
)

var (
	connections int
	rate        int
	accounts    int
	duration    time.Duration
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "bench [host:port]",
	Short: "Send small bank transactions to a forkchain monitor endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBench,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "websocket连接数")
	rootCmd.Flags().IntVarP(&rate, "rate", "r", 100, "每个连接每秒发送的交易数")
	rootCmd.Flags().IntVar(&accounts, "accounts", 100, "genesis中的small bank账户数")
	rootCmd.Flags().DurationVarP(&duration, "duration", "T", 10*time.Second, "发送持续的时间")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "输出debug日志")
}

func runBench(cmd *cobra.Command, args []string) error {
	if connections <= 0 || rate <= 0 || accounts <= 0 {
		return errors.New("connections, rate and accounts must be positive")
	}
	target := args[0]

	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if verbose {
		logger = log.NewFilter(logger, log.AllowDebug())
	} else {
		logger = log.NewFilter(logger, log.AllowInfo())
	}

	client, err := rpcclient.New("tcp://" + target)
	if err != nil {
		return err
	}
	before, err := queryStatus(client)
	if err != nil {
		return errors.Wrap(err, "node is not reachable")
	}

	t := newTransacter(target, connections, rate, accounts)
	t.SetLogger(logger)
	if err := t.Start(); err != nil {
		return err
	}
	time.Sleep(duration)
	t.Stop()

	after, err := queryStatus(client)
	if err != nil {
		return err
	}
	fmt.Printf("sent %d txs, rejected %d, height %d -> %d, mempool size %d\n",
		t.sent, t.rejected, before.Engine.Height, after.Engine.Height, after.MempoolSize)
	return nil
}

func queryStatus(client *rpcclient.Client) (*monitor.ResultStatus, error) {
	result := new(monitor.ResultStatus)
	_, err := client.Call(context.Background(), "status", map[string]interface{}{}, result)
	return result, err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
