package commands

import (
	nm "forkchain/node"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a forkchain node
func AddNodeFlags(cmd *cobra.Command) {
	// bind flags
	cmd.Flags().String("moniker", config.Moniker, "node name")
	cmd.Flags().String("network", config.Network, "transport between nodes: local | p2p")
	cmd.Flags().String("db_backend", config.DBBackend, "database backend: goleveldb | memdb")
	cmd.Flags().String("db_dir", config.DBPath, "database directory")

	// consensus flags
	cmd.Flags().Int("consensus.confirmation_threshold", config.Consensus.ConfirmationThreshold,
		"finalize once the best fork is this deep")
	cmd.Flags().String("consensus.rank_metric", config.Consensus.RankMetric, "fork ranking: length | weight")
	cmd.Flags().String("consensus.safe_prefix", config.Consensus.SafePrefix, "finalized prefix of the best fork: depth | tip")

	// generator flags
	cmd.Flags().Bool("generator.enabled", config.Generator.Enabled, "produce proposals")
	cmd.Flags().Uint32("generator.target_bits", config.Generator.TargetBits, "proof of work difficulty")

	// sync flags
	cmd.Flags().Bool("sync.sync_on_start", config.Sync.SyncOnStart, "catch up with the best peer on start")

	// monitor flags
	cmd.Flags().String("monitor.laddr", config.Monitor.ListenAddress, "monitor listen address, empty disables it")

	// p2p flags
	cmd.Flags().String("p2p.laddr", config.P2P.ListenAddress, "node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.external_address", config.P2P.ExternalAddress, "ip:port address to advertise to peers for them to dial")
	cmd.Flags().String("p2p.persistent_peers", config.P2P.PersistentPeers, "comma-delimited ID@host:port persistent peers")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
// nodeProvider决定privval以及genesis的来源
func NewRunNodeCmd(nodeProvider nm.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the forkchain node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := nodeProvider(config, logger)
			if err != nil {
				return errors.Wrap(err, "failed to create node")
			}

			if err := n.Start(); err != nil {
				return errors.Wrap(err, "failed to start node")
			}

			logger.Info("Started node", "nodeInfo", n.NodeInfo(), "height", n.Engine().Height())

			// Stop upon receiving SIGTERM or CTRL-C.
			tmos.TrapSignal(logger, func() {
				if n.IsRunning() {
					if err := n.Stop(); err != nil {
						logger.Error("unable to stop the node", "error", err)
					}
				}
			})

			// Run forever.
			select {}
		},
	}

	AddNodeFlags(cmd)
	return cmd
}
