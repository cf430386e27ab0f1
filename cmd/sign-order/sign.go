package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/crossbook/pkg/app/core/transaction"
	"github.com/uhyunpark/crossbook/pkg/crypto"
)

const (
	keyFlagName      = "key"
	sellFlagName     = "sell"
	sellCcyFlagName  = "sell-currency"
	buyFlagName      = "buy"
	buyCcyFlagName   = "buy-currency"
	receiverFlagName = "receiver"
	submitFlagName   = "submit"
)

func init() {
	for _, cmd := range []*cobra.Command{ethCmd, algoCmd} {
		cmd.Flags().String(keyFlagName, "", "hex private key (ethereum) or hex 32-byte seed (algorand); generated when empty")
		cmd.Flags().String(sellFlagName, "", "amount to sell, written exactly as it will be signed")
		cmd.Flags().String(sellCcyFlagName, "", "currency to sell")
		cmd.Flags().String(buyFlagName, "", "amount to buy, written exactly as it will be signed")
		cmd.Flags().String(buyCcyFlagName, "", "currency to buy")
		cmd.Flags().String(receiverFlagName, "", "receiving address (defaults to the signer)")
		cmd.Flags().String(submitFlagName, "", "POST the body to this /trade URL instead of printing it")
		for _, name := range []string{sellFlagName, sellCcyFlagName, buyFlagName, buyCcyFlagName} {
			_ = cmd.MarkFlagRequired(name)
		}
		rootCmd.AddCommand(cmd)
	}
}

var ethCmd = &cobra.Command{
	Use:   "eth",
	Short: "Sign an order with an Ethereum key (EIP-191 personal message)",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyHex, _ := cmd.Flags().GetString(keyFlagName)
		signer, err := ethSigner(keyHex)
		if err != nil {
			return err
		}
		if keyHex == "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "generated key %s (address %s)\n", signer.PrivateKeyHex(), signer.Address().Hex())
		}

		p, err := payloadFromFlags(cmd, signer.Address().Hex(), transaction.PlatformEthereum)
		if err != nil {
			return err
		}
		sig, err := p.SignEthereum(signer)
		if err != nil {
			return err
		}
		return emit(cmd, &transaction.Request{Sig: sig, Payload: p})
	},
}

var algoCmd = &cobra.Command{
	Use:   "algo",
	Short: "Sign an order with an Algorand ed25519 key",
	RunE: func(cmd *cobra.Command, args []string) error {
		seedHex, _ := cmd.Flags().GetString(keyFlagName)
		signer, err := algoSigner(seedHex)
		if err != nil {
			return err
		}
		if seedHex == "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "generated seed %x (address %s)\n", signer.Seed(), signer.Address())
		}

		p, err := payloadFromFlags(cmd, signer.Address(), transaction.PlatformAlgorand)
		if err != nil {
			return err
		}
		return emit(cmd, &transaction.Request{Sig: p.SignAlgorand(signer), Payload: p})
	},
}

func ethSigner(keyHex string) (*crypto.Signer, error) {
	if keyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.FromPrivateKeyHex(strings.TrimPrefix(keyHex, "0x"))
}

func algoSigner(seedHex string) (*crypto.AlgoSigner, error) {
	if seedHex == "" {
		return crypto.GenerateAlgoKey()
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid seed: %w", err)
	}
	return crypto.AlgoSignerFromSeed(seed)
}

func payloadFromFlags(cmd *cobra.Command, sender string, platform transaction.Platform) (transaction.Payload, error) {
	flags := cmd.Flags()
	sell, _ := flags.GetString(sellFlagName)
	sellCcy, _ := flags.GetString(sellCcyFlagName)
	buy, _ := flags.GetString(buyFlagName)
	buyCcy, _ := flags.GetString(buyCcyFlagName)
	receiver, _ := flags.GetString(receiverFlagName)
	if receiver == "" {
		receiver = sender
	}
	return buildPayload(sender, receiver, sell, sellCcy, buy, buyCcy, platform)
}

// buildPayload validates amounts the same way the server does, so a body this tool
// prints is never rejected for its shape.
func buildPayload(sender, receiver, sell, sellCcy, buy, buyCcy string, platform transaction.Platform) (transaction.Payload, error) {
	p := transaction.Payload{
		SenderPK:     sender,
		ReceiverPK:   receiver,
		BuyCurrency:  buyCcy,
		SellCurrency: sellCcy,
		BuyAmount:    json.Number(buy),
		SellAmount:   json.Number(sell),
		Platform:     platform,
	}
	body, err := json.Marshal(transaction.Request{Sig: "unsigned", Payload: p})
	if err != nil {
		return transaction.Payload{}, fmt.Errorf("invalid order: %w", err)
	}
	if _, err := transaction.ParseRequest(body); err != nil {
		return transaction.Payload{}, fmt.Errorf("invalid order: %w", err)
	}
	return p, nil
}

func emit(cmd *cobra.Command, req *transaction.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	url, _ := cmd.Flags().GetString(submitFlagName)
	if url == "" {
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s", resp.Status, out)
	return nil
}
