package commands

import (
	"fmt"
	"forkchain/privval"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
)

var seed string

// GenValidatorCmd 生成出块者/验证者的公私钥对
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().StringVar(&seed, "seed", "", "生成私钥的种子，不指定则随机生成")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		logger.Info("Found private validator", "keyFile", privValKeyFile)
		return nil
	}

	var pv *privval.FilePV
	if seed != "" {
		pv = privval.GenFilePVWithSeed(privValKeyFile, []byte(seed))
	} else {
		pv = privval.GenFilePV(privValKeyFile)
	}
	pv.Save()

	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	fmt.Println(string(jsbz))
	return nil
}

// ShowValidatorCmd adds capabilities for showing the validator info.
var ShowValidatorCmd = &cobra.Command{
	Use:     "show-validator",
	Aliases: []string{"show_validator"},
	Short:   "Show this node's validator info",
	RunE:    showValidator,
	PreRun:  deprecateSnakeCase,
}

func showValidator(cmd *cobra.Command, args []string) error {
	keyFilePath := config.PrivValidatorKeyFile()
	if !tmos.FileExists(keyFilePath) {
		return errors.Errorf("private validator file %s does not exist", keyFilePath)
	}

	pv := privval.LoadFilePV(keyFilePath)
	pubKey, err := pv.GetPubKey()
	if err != nil {
		return errors.Wrap(err, "can't get pubkey")
	}

	bz, err := tmjson.Marshal(pubKey)
	if err != nil {
		return errors.Wrap(err, "failed to marshal private validator pubkey")
	}

	fmt.Println(string(bz))
	return nil
}
