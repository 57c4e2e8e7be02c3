package commands

import (
	"fmt"
	"forkchain/privval"
	"forkchain/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	tmtime "github.com/tendermint/tendermint/types/time"
	"strings"
)

const (
	defaultAccountBalance = 200
)

var (
	chainID       string
	consensusMode string
	minTargetBits uint32
	accountSum    int
	validatorKeys string
)

var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file with small bank accounts",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	addGenesisFlags(GenGenesisCmd)
	GenGenesisCmd.Flags().StringVar(&validatorKeys, "validators", "",
		"逗号分隔的priv_validator_key文件，vote模式下作为初始验证者，不指定则使用本节点的key")
}

func addGenesisFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&chainID, "chain-id", "", "链名，不指定则随机生成")
	cmd.Flags().StringVar(&consensusMode, "mode", types.MetadataPow.String(), "提案的metadata类型: pow | vote")
	cmd.Flags().Uint32Var(&minTargetBits, "min-target-bits", 0, "pow模式下的最小难度")
	cmd.Flags().IntVar(&accountSum, "account-sum", 100, "small bank的初始账户数")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	keyFiles := splitAndTrimEmpty(validatorKeys, ",", " ")
	if len(keyFiles) == 0 {
		keyFiles = []string{config.PrivValidatorKeyFile()}
	}
	pvs := make([]*privval.FilePV, 0, len(keyFiles))
	for _, file := range keyFiles {
		if !tmos.FileExists(file) {
			return errors.Errorf("private validator file %s does not exist", file)
		}
		pvs = append(pvs, privval.LoadFilePV(file))
	}

	genDoc, err := makeGenesisDoc(pvs)
	if err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "chainID", genDoc.ChainID, "mode", genDoc.ConsensusMode)
	return nil
}

func makeGenesisDoc(pvs []*privval.FilePV) (*types.GenesisDoc, error) {
	if accountSum < 0 {
		return nil, errors.New("account sum can't be negative")
	}
	id := chainID
	if id == "" {
		id = fmt.Sprintf("test-chain-%v", tmrand.Str(6))
	}

	genDoc := &types.GenesisDoc{
		ChainID:       id,
		GenesisTime:   tmtime.Now(),
		ConsensusMode: consensusMode,
		MinTargetBits: minTargetBits,
	}
	// pow模式不需要验证者
	if consensusMode == types.MetadataVote.String() {
		for i, pv := range pvs {
			pubKey, err := pv.GetPubKey()
			if err != nil {
				return nil, errors.Wrap(err, "can't get pubkey")
			}
			genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
				Address: types.GetAddress(pubKey),
				PubKey:  pubKey,
				Power:   1,
				Name:    fmt.Sprintf("validator-%v", i+1),
			})
		}
	}
	for i := 0; i < accountSum; i++ {
		genDoc.Accounts = append(genDoc.Accounts, types.GenesisAccount{
			Name:     fmt.Sprintf("username%v", i+1),
			Saving:   defaultAccountBalance,
			Checking: defaultAccountBalance,
		})
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return genDoc, nil
}

func splitAndTrimEmpty(s, sep, cutset string) []string {
	var res []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.Trim(part, cutset); part != "" {
			res = append(res, part)
		}
	}
	return res
}
