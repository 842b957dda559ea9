package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pario-ai/persona/pkg/fingerprint"
)

// readInput returns the text from args[0], "-" or no argument meaning stdin.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(b), nil
}

func newValidateCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Run the input validator on a file or stdin and print the report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			v, err := newValidator(cfg.Validation)
			if err != nil {
				return err
			}
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}

			rep, err := v.Inspect(text)
			if err != nil {
				return fmt.Errorf("rejected: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			fmt.Fprint(out, formatReport(rep))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "fingerprint [file]",
		Short: "Print the cache key for a text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			if !raw {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				v, err := newValidator(cfg.Validation)
				if err != nil {
					return err
				}
				if text, err = v.Validate(text); err != nil {
					return fmt.Errorf("rejected: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), fingerprint.Fingerprint(strings.TrimSpace(text)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "skip validation and fingerprint the input as is")
	return cmd
}
