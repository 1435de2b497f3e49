package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/actingweb/actingweb-go/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL  string
	cfgFile    string
	creator    string
	passphrase string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "awctl",
	Short: "ActingWeb CLI",
	Long: `awctl is the command-line interface for an ActingWeb server.

It creates actors and manages their properties, trust relationships,
and subscriptions through the REST interface.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.awctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if creator == "" {
			creator = viper.GetString("creator")
		}
		if passphrase == "" {
			passphrase = viper.GetString("passphrase")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.awctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ActingWeb server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&creator, "creator", "", "owner creator name for authentication")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "owner passphrase for authentication")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(propCmd)
	rootCmd.AddCommand(trustCmd)
	rootCmd.AddCommand(subCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithCredentials(creator, passphrase))
}

// ── create / delete ──────────────────────────────────────────────────────────

var createCmd = &cobra.Command{
	Use:   "create <creator>",
	Short: "Create a new actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		a, err := c.CreateActor(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("create actor: %w", err)
		}
		fmt.Printf("✓ Actor created\n\n")
		fmt.Printf("  ID:         %s\n", a.ID)
		fmt.Printf("  Base URI:   %s\n", a.BaseURI)
		fmt.Printf("  Passphrase: %s\n\n", a.Passphrase)
		fmt.Println("Save the passphrase now: it is never shown again.")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <actor-id>",
	Short: "Delete an actor and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.DeleteActor(context.Background(), args[0]); err != nil {
			return fmt.Errorf("delete actor: %w", err)
		}
		fmt.Println("✓ Actor deleted")
		return nil
	},
}

// ── prop ─────────────────────────────────────────────────────────────────────

var propCmd = &cobra.Command{
	Use:   "prop",
	Short: "Manage actor properties",
}

func init() {
	propCmd.AddCommand(&cobra.Command{
		Use:   "list <actor-id>",
		Short: "List all properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			props, err := c.GetProperties(context.Background(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(props)
		},
	})

	propCmd.AddCommand(&cobra.Command{
		Use:   "get <actor-id> <name>",
		Short: "Get one property value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			v, err := c.GetProperty(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Println(string(v))
			return nil
		},
	})

	propCmd.AddCommand(&cobra.Command{
		Use:   "set <actor-id> <name> <json-value>",
		Short: "Set a property (a JSON array value creates a list)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("value is not valid JSON: %s", args[2])
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.SetProperty(context.Background(), args[0], args[1], json.RawMessage(args[2])); err != nil {
				return err
			}
			fmt.Println("✓ Property set")
			return nil
		},
	})

	propCmd.AddCommand(&cobra.Command{
		Use:   "rm <actor-id> <name>",
		Short: "Delete a property",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteProperty(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("✓ Property deleted")
			return nil
		},
	})

	propCmd.AddCommand(&cobra.Command{
		Use:   "append <actor-id> <name> <json-item>",
		Short: "Append an item to a list property",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("item is not valid JSON: %s", args[2])
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			_, err = c.ListOp(context.Background(), args[0], args[1], &client.ListOpRequest{
				Operation: "append",
				Item:      json.RawMessage(args[2]),
			})
			if err != nil {
				return err
			}
			fmt.Println("✓ Item appended")
			return nil
		},
	})
}

// ── trust ────────────────────────────────────────────────────────────────────

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trust relationships",
}

var (
	trustRelationship string
	trustDesc         string
	trustLocalOnly    bool
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list <actor-id>",
		Short: "List trust relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			trusts, err := c.ListTrusts(context.Background(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PEER\tRELATIONSHIP\tAPPROVED\tPEER APPROVED\tVERIFIED\tBASE URI")
			for _, t := range trusts {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\t%s\n",
					t.PeerID, t.Relationship, t.Approved, t.PeerApproved, t.Verified, t.BaseURI)
			}
			return w.Flush()
		},
	}

	initiateCmd := &cobra.Command{
		Use:   "init <actor-id> <peer-url>",
		Short: "Initiate a reciprocal trust handshake with a peer actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			t, err := c.InitiateTrust(context.Background(), args[0], args[1], trustRelationship, trustDesc)
			if err != nil {
				return fmt.Errorf("initiate trust: %w", err)
			}
			fmt.Printf("✓ Trust initiated\n\n")
			fmt.Printf("  Peer:          %s\n", t.PeerID)
			fmt.Printf("  Relationship:  %s\n", t.Relationship)
			fmt.Printf("  Peer approved: %t\n", t.PeerApproved)
			if !t.PeerApproved {
				fmt.Println("\nThe peer owner must approve before data flows.")
			}
			return nil
		},
	}
	initiateCmd.Flags().StringVar(&trustRelationship, "relationship", "friend", "Relationship type to request")
	initiateCmd.Flags().StringVar(&trustDesc, "desc", "", "Human-readable description")

	approveCmd := &cobra.Command{
		Use:   "approve <actor-id> <relationship> <peer-id>",
		Short: "Approve a pending trust relationship",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if _, err := c.ApproveTrust(context.Background(), args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("approve trust: %w", err)
			}
			fmt.Println("✓ Trust approved")
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm <actor-id> <relationship> <peer-id>",
		Short: "Delete a trust relationship",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteTrust(context.Background(), args[0], args[1], args[2], trustLocalOnly); err != nil {
				return fmt.Errorf("delete trust: %w", err)
			}
			fmt.Println("✓ Trust deleted")
			return nil
		},
	}
	rmCmd.Flags().BoolVar(&trustLocalOnly, "local-only", false, "Tear down only this side, leaving the peer untouched")

	trustCmd.AddCommand(listCmd, initiateCmd, approveCmd, rmCmd)
}

// ── sub ──────────────────────────────────────────────────────────────────────

var subCmd = &cobra.Command{
	Use:   "sub",
	Short: "Manage subscriptions",
}

var (
	subTarget      string
	subSubtarget   string
	subResource    string
	subGranularity string
)

func init() {
	listCmd := &cobra.Command{
		Use:   "list <actor-id>",
		Short: "List subscriptions in both directions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			subs, err := c.ListSubscriptions(context.Background(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPEER\tDIRECTION\tTARGET\tSUBTARGET\tGRANULARITY\tSEQ")
			for _, s := range subs {
				direction := "inbound"
				if s.IsCallback {
					direction = "outbound"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					s.SubscriptionID, s.PeerID, direction, s.Target, s.Subtarget, s.Granularity, s.Sequence)
			}
			return w.Flush()
		},
	}

	addCmd := &cobra.Command{
		Use:   "add <actor-id> <peer-id>",
		Short: "Subscribe the actor to a trusted peer's data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			s, err := c.Subscribe(context.Background(), args[0], &client.SubscribeRequest{
				PeerID:      args[1],
				Target:      subTarget,
				Subtarget:   subSubtarget,
				Resource:    subResource,
				Granularity: subGranularity,
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			fmt.Printf("✓ Subscribed\n\n")
			fmt.Printf("  ID:     %s\n", s.SubscriptionID)
			fmt.Printf("  Target: %s\n", s.Target)
			return nil
		},
	}
	addCmd.Flags().StringVar(&subTarget, "target", "properties", "Target to subscribe to")
	addCmd.Flags().StringVar(&subSubtarget, "subtarget", "", "Optional subtarget within the target")
	addCmd.Flags().StringVar(&subResource, "resource", "", "Optional resource within the subtarget")
	addCmd.Flags().StringVar(&subGranularity, "granularity", "high", "Callback granularity: high, low, or none")

	rmCmd := &cobra.Command{
		Use:   "rm <actor-id> <peer-id> <subscription-id>",
		Short: "Cancel a subscription",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.Unsubscribe(context.Background(), args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("unsubscribe: %w", err)
			}
			fmt.Println("✓ Subscription cancelled")
			return nil
		},
	}

	subCmd.AddCommand(listCmd, addCmd, rmCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the awctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("awctl %s\n", version)
	},
}
