package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/crossbook/pkg/app/core/transaction"
)

func init() {
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check a /trade body offline; reads stdin when no file is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			body []byte
			err  error
		)
		if len(args) == 1 {
			body, err = os.ReadFile(args[0])
		} else {
			body, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}

		req, err := transaction.ParseRequest(body)
		if err != nil {
			return err
		}
		if !transaction.NewRegistry().VerifyRequest(req) {
			return fmt.Errorf("%w: %s signature by %s", transaction.ErrAuthentication, req.Payload.Platform, req.Payload.SenderPK)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid %s signature by %s\ncanonical payload: %s\n",
			req.Payload.Platform, req.Payload.SenderPK, req.Payload.Canonical())
		return nil
	},
}
