package cmd

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/simchain/simchain/foundation/chain/storage"
)

var (
	nonce    uint64
	to       string
	value    uint64
	gasPrice uint64
	gasLimit uint64
	data     []byte
	chainID  uint64
)

// sendCmd represents the send command.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign and queue a transaction",
	Run: func(cmd *cobra.Command, args []string) {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			log.Fatal(err)
		}

		sendWithDetails(privateKey)
	},
}

func sendWithDetails(privateKey *ecdsa.PrivateKey) {
	if !common.IsHexAddress(to) {
		log.Fatalf("invalid to address %q", to)
	}
	toAddress := common.HexToAddress(to)

	tx := storage.NewTx(nonce, new(big.Int).SetUint64(gasPrice), gasLimit, &toAddress, new(big.Int).SetUint64(value), data)

	signedTx, err := tx.Sign(privateKey, chainID)
	if err != nil {
		log.Fatal(err)
	}

	req := struct {
		Method string `json:"method"`
		Params []any  `json:"params"`
	}{
		Method: "queueTransaction",
		Params: []any{map[string]any{
			"nonce":    signedTx.Nonce,
			"gasPrice": signedTx.GasPrice.String(),
			"gasLimit": signedTx.GasLimit,
			"to":       toAddress.Hex(),
			"value":    signedTx.Value.String(),
			"data":     fmt.Sprintf("0x%x", signedTx.Data),
			"v":        signedTx.V.String(),
			"r":        signedTx.R.String(),
			"s":        signedTx.S.String(),
		}},
	}

	payload, err := json.Marshal(req)
	if err != nil {
		log.Fatal(err)
	}

	resp, err := http.Post(fmt.Sprintf("%s/v1/rpc", url), "application/json", bytes.NewBuffer(payload))
	if err != nil {
		log.Fatal(err)
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Fatal(err)
	}
	fmt.Println("response:", result)
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint64VarP(&nonce, "nonce", "n", 0, "Nonce for the transaction.")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Address receiving the value.")
	sendCmd.Flags().Uint64VarP(&value, "value", "v", 0, "Value to send.")
	sendCmd.Flags().Uint64VarP(&gasPrice, "gas-price", "g", 1, "Price per unit of gas.")
	sendCmd.Flags().Uint64VarP(&gasLimit, "gas-limit", "l", 21000, "Gas allowance for the transaction.")
	sendCmd.Flags().BytesHexVarP(&data, "data", "d", nil, "Data to send.")
	sendCmd.Flags().Uint64VarP(&chainID, "chain-id", "c", 1337, "Chain id to sign for.")
}
