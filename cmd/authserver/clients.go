package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fitmetrics/authserver/server"
	"github.com/fitmetrics/authserver/storage"
)

// cliClientIP marks registrations made from the command line in audit records.
const cliClientIP = "cli"

type clientInfo struct {
	ClientID                string    `json:"client_id" yaml:"client_id"`
	ClientName              string    `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	ClientType              string    `json:"client_type" yaml:"client_type"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
	RedirectURIs            []string  `json:"redirect_uris" yaml:"redirect_uris"`
	Scope                   string    `json:"scope,omitempty" yaml:"scope,omitempty"`
	CreatedAt               time.Time `json:"created_at" yaml:"created_at"`
	ClientSecret            string    `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
}

func toClientInfo(client *storage.Client, secret string) clientInfo {
	return clientInfo{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		ClientType:              client.ClientType,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		RedirectURIs:            client.RedirectURIs,
		Scope:                   strings.Join(client.Scopes, " "),
		CreatedAt:               client.CreatedAt,
		ClientSecret:            secret,
	}
}

func newClientsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered OAuth clients",
	}
	cmd.AddCommand(
		newClientsCreateCmd(c),
		newClientsListCmd(c),
		newClientsUpdateCmd(c),
	)
	return cmd
}

// withServer wires the protocol server over persistent storage and calls fn.
func (c *cli) withServer(cmd *cobra.Command, fn func(*server.Server) error) error {
	if err := c.requirePersistentStore(); err != nil {
		return err
	}

	a, err := c.buildApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a.server)
}

func newClientsCreateCmd(c *cli) *cobra.Command {
	var (
		reg    server.ClientRegistration
		public bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client; the secret is printed once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if public {
				reg.TokenEndpointAuthMethod = server.TokenEndpointAuthMethodNone
			}
			return c.withServer(cmd, func(srv *server.Server) error {
				client, secret, err := srv.RegisterClient(cmd.Context(), reg, cliClientIP)
				if err != nil {
					return err
				}

				info := toClientInfo(client, secret)
				return printOutput(cmd.OutOrStdout(), output, info, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "client_id:\t%s\n", info.ClientID)
					fmt.Fprintf(tw, "client_type:\t%s\n", info.ClientType)
					if secret != "" {
						fmt.Fprintf(tw, "client_secret:\t%s\n", secret)
					}
				})
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&reg.RedirectURIs, "redirect-uri", nil, "registered redirect URI (repeatable)")
	flags.StringVar(&reg.ClientName, "name", "", "human-readable client name")
	flags.StringVar(&reg.ClientURI, "client-uri", "", "client home page")
	flags.StringVar(&reg.Scope, "scope", "", "space-separated scopes the client may request")
	flags.BoolVar(&public, "public", false, "register a public client authenticated by PKCE alone")
	flags.StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	_ = cmd.MarkFlagRequired("redirect-uri")
	return cmd
}

func newClientsListCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withServer(cmd, func(srv *server.Server) error {
				clients, err := srv.ListClients(cmd.Context())
				if err != nil {
					return err
				}

				infos := make([]clientInfo, 0, len(clients))
				for _, client := range clients {
					infos = append(infos, toClientInfo(client, ""))
				}

				return printOutput(cmd.OutOrStdout(), output, infos, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "CLIENT ID\tNAME\tTYPE\tREDIRECT URIS\tSCOPE")
					for _, info := range infos {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							info.ClientID, info.ClientName, info.ClientType,
							strings.Join(info.RedirectURIs, ","), info.Scope)
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml")
	return cmd
}

func newClientsUpdateCmd(c *cli) *cobra.Command {
	var (
		redirectURIs []string
		name         string
		scope        string
	)
	cmd := &cobra.Command{
		Use:   "update CLIENT_ID",
		Short: "Replace a client's redirect URIs, name or scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update server.ClientUpdate
			if cmd.Flags().Changed("redirect-uri") {
				update.RedirectURIs = redirectURIs
			}
			if cmd.Flags().Changed("name") {
				update.ClientName = &name
			}
			if cmd.Flags().Changed("scope") {
				update.Scope = &scope
			}

			return c.withServer(cmd, func(srv *server.Server) error {
				client, err := srv.UpdateClient(cmd.Context(), args[0], update)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated client %s\n", client.ClientID)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&redirectURIs, "redirect-uri", nil, "new redirect URIs (replaces all)")
	flags.StringVar(&name, "name", "", "new client name")
	flags.StringVar(&scope, "scope", "", "new space-separated scope")
	return cmd
}
