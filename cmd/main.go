package main

import (
	cmd "forkchain/cmd/commands"
	cfg "forkchain/config"
	nm "forkchain/node"
	"github.com/tendermint/tendermint/libs/cli"
	"os"
	"path/filepath"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenNodeKeyCmd,
		cmd.GenValidatorCmd,
		cmd.ShowNodeIDCmd,
		cmd.ShowValidatorCmd,
		cmd.GenGenesisCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	// 需要自定义privval或者genesis来源时可以替换DefaultNewNode
	nodeFunc := nm.DefaultNewNode

	// Create & start node
	rootCmd.AddCommand(cmd.NewRunNodeCmd(nodeFunc))

	cmd := cli.PrepareBaseCmd(rootCmd, "FORKCHAIN", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultForkchainDir)))
	if err := cmd.Execute(); err != nil {
		panic(err)
	}
}
