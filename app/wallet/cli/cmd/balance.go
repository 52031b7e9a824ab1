package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/spf13/cobra"
)

var account string

// balanceCmd represents the balance command.
var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Query the balance of an account",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
	balanceCmd.Flags().StringVarP(&account, "address", "d", "", "Address of the account.")
}

func balanceRun(cmd *cobra.Command, args []string) {
	req := struct {
		Method string `json:"method"`
		Params []any  `json:"params"`
	}{
		Method: "getBalance",
		Params: []any{account},
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
	fmt.Println("balance:", result["result"])
}
