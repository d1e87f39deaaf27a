package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitmetrics/authserver/keys"
	"github.com/fitmetrics/authserver/security"
)

type keyInfo struct {
	KID       string    `json:"kid" yaml:"kid"`
	Bits      int       `json:"bits" yaml:"bits"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Active    bool      `json:"active" yaml:"active"`
}

func newKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the JWKS signing keys",
	}
	cmd.AddCommand(
		newKeysRotateCmd(c),
		newKeysListCmd(c),
		newKeysJWKSCmd(c),
	)
	return cmd
}

// withKeyManager opens storage, loads the persisted keys and calls fn.
func (c *cli) withKeyManager(cmd *cobra.Command, fn func(*keys.Manager) error) error {
	if err := c.requirePersistentStore(); err != nil {
		return err
	}

	store, closeStore, err := c.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	mgr, err := c.newKeyManager(cmd.Context(), store, security.NewAuditor(c.logger, c.cfg.Audit))
	if err != nil {
		return err
	}
	return fn(mgr)
}

func newKeysRotateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active signing key and prune the oldest retained keys",
		Long: `Generate a new active signing key. The previous key stays published
in the JWKS so tokens it signed keep validating until it is pruned.
Running servers pick the new key up on restart.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withKeyManager(cmd, func(mgr *keys.Manager) error {
				key, err := mgr.Rotate(cmd.Context())
				if err != nil {
					return fmt.Errorf("rotation failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rotated signing key, active kid: %s\n", key.KID)
				return nil
			})
		},
	}
}

func newKeysListCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retained signing keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withKeyManager(cmd, func(mgr *keys.Manager) error {
				active := mgr.ActiveKID()
				retained := mgr.Keys()

				infos := make([]keyInfo, 0, len(retained))
				for _, key := range retained {
					infos = append(infos, keyInfo{
						KID:       key.KID,
						Bits:      key.PrivateKey.N.BitLen(),
						CreatedAt: key.CreatedAt,
						Active:    key.KID == active,
					})
				}

				return printOutput(cmd.OutOrStdout(), output, infos, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "KID\tBITS\tCREATED\tACTIVE")
					for _, info := range infos {
						fmt.Fprintf(tw, "%s\t%d\t%s\t%t\n", info.KID, info.Bits, info.CreatedAt.Format(time.RFC3339), info.Active)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	return cmd
}

func newKeysJWKSCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "jwks",
		Short: "Print the public JWKS document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withKeyManager(cmd, func(mgr *keys.Manager) error {
				return printOutput(cmd.OutOrStdout(), outputJSON, mgr.ExportJWKS(), nil)
			})
		},
	}
}
