package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/fiscal/ident"
)

func accessKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accesskey",
		Short: "Generate or validate document access keys",
	}
	cmd.AddCommand(accessKeyGenerateCmd(), accessKeyValidateCmd())
	return cmd
}

func accessKeyGenerateCmd() *cobra.Command {
	var (
		authority   int
		date        string
		taxpayer    string
		series      int
		number      int
		environment int
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an access key with a random nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			issued, err := time.Parse("2006-01", date)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM: %w", err)
			}
			key, err := ident.GenerateAccessKey(authority, issued, taxpayer, series, number, environment)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().IntVar(&authority, "authority", 0, "two-digit authority (state) code")
	cmd.Flags().StringVar(&date, "date", time.Now().Format("2006-01"), "issue month, YYYY-MM")
	cmd.Flags().StringVar(&taxpayer, "taxpayer", "", "issuer taxpayer ID (punctuation allowed)")
	cmd.Flags().IntVar(&series, "series", 1, "document series (0-999)")
	cmd.Flags().IntVar(&number, "number", 0, "document number (1-999999999)")
	cmd.Flags().IntVar(&environment, "env", 2, "environment: 1 production, 2 homologation")
	_ = cmd.MarkFlagRequired("authority")
	_ = cmd.MarkFlagRequired("taxpayer")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func accessKeyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <key>",
		Short: "Validate an access key and print its fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := ident.ParseAccessKey(args[0])
			if !ok {
				return errors.New("invalid access key")
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "valid\n")
			fmt.Fprintf(out, "  authority:   %02d\n", k.AuthorityCode)
			fmt.Fprintf(out, "  issued:      %04d-%02d\n", k.IssueYear, k.IssueMonth)
			fmt.Fprintf(out, "  taxpayer:    %s\n", k.TaxpayerID)
			fmt.Fprintf(out, "  model:       %02d\n", k.Model)
			fmt.Fprintf(out, "  series:      %03d\n", k.Series)
			fmt.Fprintf(out, "  number:      %09d\n", k.Number)
			fmt.Fprintf(out, "  environment: %d\n", k.Environment)
			fmt.Fprintf(out, "  check digit: %d\n", k.CheckDigit)
			return nil
		},
	}
}

func taxIDCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxid",
		Short: "Taxpayer ID utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <id>",
		Short: "Validate a 14-digit taxpayer ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			normalized := ident.NormalizeTaxpayerID(args[0])
			if !ident.ValidateTaxpayerID(normalized) {
				return fmt.Errorf("invalid taxpayer ID %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid %s\n", normalized)
			return nil
		},
	})
	return cmd
}
