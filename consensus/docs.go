package consensus

//
//                 ProposalMessage                       local block
//   network  ------------------+            +------------ ProposalGenerator
//   (Reactor)                  |            |             (mine / leader sign,
//                              v            v              polls stopFlag)
//                        +--------------------------+              ^
//                        |   Engine.AppendProposal   |              |
//                        +-------------+------------+              |
//                                      |                 EventBestForkChanged
//          tip match / interior clone / new fork / orphan          |
//                                      v                           |
//                        +--------------------------+              |
//                        |    ForkSet (RWMutex)      +-------------+
//                        +-------------+------------+
//                                      | TryFinalize (depth >= threshold)
//                                      v
//                        +--------------------------+
//                        | BlockStore.AppendBlocks   |  one atomic batch
//                        +-------------+------------+
//                                      |
//                     rebase survivors / prune losers / bootstrap
//                                      |
//                                      v
//                         EventFinalizedBlock -> BlockMessage

// Engine - ForkSet的唯一持有者，所有修改在写锁下完成，事件在释放锁之后触发
//	- ForkChain - 锚定在canonical tip上的一段提案序列以及speculative state
//	- ConfirmationPolicy - threshold、rank metric以及safe prefix规则
//	- orphanPool - 父区块未知的提案，lru + TTL
//	- BlockStore - canonical chain，finalize的前缀一次写入
//	- Verifier - 在state上执行区块，得到StateDelta
// ProposalGenerator - 本地出块，best fork变化时放弃正在进行的工作
// Reactor - 网络消息的入口，orphan交给syncer回填
