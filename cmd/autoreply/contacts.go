package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gaborv/autoreply/internal/config"
	"github.com/gaborv/autoreply/internal/pairing"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage the WhatsApp contact allowlist",
}

var contactsListCmd = &cobra.Command{
	Use:   "list [status]",
	Short: "List contacts, optionally filtered by status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var status pairing.ContactStatus
		if len(args) > 0 {
			status, err = pairing.ParseStatus(args[0])
			if err != nil {
				return err
			}
		}

		contacts, err := store.ListContacts(status)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			fmt.Println("No contacts.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JID\tSTATUS\tNAME\tCODE")
		for _, c := range contacts {
			code := ""
			if c.Status == pairing.StatusPending {
				code = c.PairingCode
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.JID, c.Status, c.Name, code)
		}
		return w.Flush()
	},
}

var contactsApproveCmd = &cobra.Command{
	Use:   "approve <jid>",
	Short: "Approve a contact by JID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ApproveContact(args[0]); err != nil {
			return err
		}
		fmt.Printf("Approved %s\n", args[0])
		return nil
	},
}

var contactsApproveCodeCmd = &cobra.Command{
	Use:   "approve-code <code>",
	Short: "Approve the pending contact holding a pairing code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		jid, err := store.ApproveByCode(args[0])
		if err != nil {
			return err
		}
		if jid == "" {
			return fmt.Errorf("no pending contact with code %s (codes expire)", args[0])
		}
		fmt.Printf("Approved %s\n", jid)
		return nil
	},
}

var contactsBlockCmd = &cobra.Command{
	Use:   "block <jid>",
	Short: "Block a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.BlockContact(args[0]); err != nil {
			return err
		}
		fmt.Printf("Blocked %s\n", args[0])
		return nil
	},
}

func openStore() (*pairing.Store, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return pairing.NewStore(cfg.Pairing.DBPath, pairing.Options{
		CodeExpiry: cfg.CodeExpiry(),
		CodeLength: cfg.Pairing.CodeLength,
	}, zap.NewNop())
}

func init() {
	contactsCmd.AddCommand(contactsListCmd, contactsApproveCmd, contactsApproveCodeCmd, contactsBlockCmd)
	rootCmd.AddCommand(contactsCmd)
}
