package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lightforgemedia/go-bidsocket/pkg/identity"
)

func newIdentityCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the persisted identity announced on connect",
	}

	var id identity.Identity
	var scope string
	set := &cobra.Command{
		Use:   "set",
		Short: "Save an identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id.IsZero() {
				return errors.New("identity needs --shipper-id, --emp-id or --id")
			}
			if err := a.store.Save(identity.Scope(scope), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s identity\n", scope)
			return nil
		},
	}
	set.Flags().StringVar(&id.Role, "role", "", "shipper, or any employee role")
	set.Flags().StringVar(&id.ShipperID, "shipper-id", "", "shipper id")
	set.Flags().StringVar(&id.EmpID, "emp-id", "", "employee id")
	set.Flags().StringVar(&id.ID, "id", "", "user id")
	set.Flags().StringVar(&id.Name, "name", "", "display name")
	set.Flags().StringVar(&scope, "scope", string(identity.ScopeLocal), "session or local")

	var clearScope string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove a saved identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.store.Clear(identity.Scope(clearScope))
		},
	}
	clearCmd.Flags().StringVar(&clearScope, "scope", string(identity.ScopeLocal), "session or local")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the identity that would be announced",
		RunE: func(cmd *cobra.Command, _ []string) error {
			current, err := a.store.Resolve()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(current); err != nil {
				return err
			}
			if ann, ok := identity.Announce(current); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "announces: %s %s\n", ann.Event, ann.Payload)
			}
			return nil
		},
	}

	cmd.AddCommand(set, clearCmd, show)
	return cmd
}
