package main

import (
	"fmt"

	"archivault/pkg/policy"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func buildPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate archivault extraction policies",
	}
	cmd.AddCommand(buildPolicyValidateCommand())
	cmd.AddCommand(buildPolicyShowCommand())
	return cmd
}

func buildPolicyValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy-file>",
		Short: "Validate a TOML policy file without running an extraction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := policy.NewManager(policy.Default())
			if err != nil {
				return err
			}
			if err := mgr.Load(args[0]); err != nil {
				return fmt.Errorf("%s: invalid policy: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}

func buildPolicyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy (built-in defaults merged with --policy) as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pol := policy.Default()
			if flagPolicyPath != "" {
				mgr, err := policy.NewManager(pol)
				if err != nil {
					return err
				}
				if err := mgr.Load(flagPolicyPath); err != nil {
					return err
				}
				pol = mgr.Get()
			}

			enc := toml.NewEncoder(cmd.OutOrStdout())
			return enc.Encode(pol)
		},
	}
}
