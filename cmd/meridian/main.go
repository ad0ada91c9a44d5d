package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridian-data/meridian-signer/internal/signer"
	"github.com/meridian-data/meridian-signer/internal/vault"
	"github.com/meridian-data/meridian-signer/pkg/schema"
	"github.com/meridian-data/meridian-signer/pkg/sdk"
)

var (
	flagAddr     string
	flagIdentity string
)

func connect() (*sdk.Client, error) {
	addr := flagAddr
	if addr == "" {
		addr = os.Getenv("MERIDIAN_ADDR")
	}
	if addr == "" {
		addr = "localhost:7610"
	}
	client, err := sdk.Connect(addr)
	if err != nil {
		return nil, err
	}
	if flagIdentity != "" {
		client = client.WithIdentity(flagIdentity)
	}
	return client, nil
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func main() {
	root := &cobra.Command{
		Use:           "meridian",
		Short:         "Client for the meridian signer daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon address (default localhost:7610, or MERIDIAN_ADDR)")
	root.PersistentFlags().StringVarP(&flagIdentity, "identity", "i", "", "identity sent with mutating requests")

	statusCmd := &cobra.Command{
		Use:   "status <bucket> <collection>",
		Short: "Show collection status and signature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			info, err := client.Collection(args[0], args[1])
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		},
	}

	promoteCmd := &cobra.Command{
		Use:   "promote <bucket> <collection> <status>",
		Short: "Request a workflow transition (to-review, to-sign, signed, work-in-progress)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := schema.ParseStatus(args[2])
			if err != nil {
				return err
			}
			client, err := connect()
			if err != nil {
				return err
			}
			info, err := client.SetStatus(args[0], args[1], target)
			if err != nil {
				return err
			}
			printJSON(info)
			return nil
		},
	}

	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and edit collection records",
	}

	recordsListCmd := &cobra.Command{
		Use:   "list <bucket> <collection>",
		Short: "List the live records of a collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			records, err := client.Records(args[0], args[1])
			if err != nil {
				return err
			}
			printJSON(records)
			return nil
		},
	}

	var putID string
	recordsPutCmd := &cobra.Command{
		Use:   "put <bucket> <collection> <json>",
		Short: "Create or update a record from a JSON body",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
				return fmt.Errorf("record body is not valid JSON: %w", err)
			}
			client, err := connect()
			if err != nil {
				return err
			}
			rec, err := client.PutRecord(args[0], args[1], putID, data)
			if err != nil {
				return err
			}
			printJSON(rec)
			return nil
		},
	}
	recordsPutCmd.Flags().StringVar(&putID, "id", "", "record id (omit to let the daemon assign one)")

	recordsDelCmd := &cobra.Command{
		Use:   "del <bucket> <collection> <id>",
		Short: "Delete a record (leaves a tombstone)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			if err := client.DeleteRecord(args[0], args[1], args[2]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[2])
			return nil
		},
	}
	recordsCmd.AddCommand(recordsListCmd, recordsPutCmd, recordsDelCmd)

	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Show the signer self-test results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			signers, err := client.Heartbeat()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(signers))
			for name := range signers {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				health := signers[name]
				state := "ok"
				if !health.OK {
					state = "FAILING: " + health.Error
				}
				fmt.Printf("%-20s %s (checked %s)\n", name, state, health.CheckedAt)
			}
			return nil
		},
	}

	var keygenCurve, keygenOut, keygenSecret string
	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an EC signing key for the local backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPEM, err := signer.GenerateKeyPEM(keygenCurve)
			if err != nil {
				return err
			}
			payload := keyPEM
			if keygenSecret != "" {
				encrypted, err := vault.Encrypt(string(keyPEM), vault.DeriveKey(keygenSecret))
				if err != nil {
					return err
				}
				payload = []byte(encrypted + "\n")
			}
			if keygenOut == "" || keygenOut == "-" {
				fmt.Print(string(payload))
				return nil
			}
			if err := os.WriteFile(keygenOut, payload, 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", keygenOut)
			return nil
		},
	}
	keygenCmd.Flags().StringVar(&keygenCurve, "curve", "P-384", "curve name (P-256 or P-384)")
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "output file (default stdout)")
	keygenCmd.Flags().StringVar(&keygenSecret, "encrypt-with", "", "encrypt the key at rest with this secret")

	root.AddCommand(statusCmd, promoteCmd, recordsCmd, heartbeatCmd, keygenCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
