package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/galileo/internal/config"
)

func balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the last saved wallet state",
		Long:  "Print the wallet height, balances and dispense count from the last state the running bot saved. Does not contact the node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stores, err := openStores(cfg)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer stores.Close()

			state, err := stores.Wallet.LoadWallet(context.Background())
			if err != nil {
				return err
			}
			if state == nil {
				fmt.Println("no wallet state saved yet")
				return nil
			}

			fmt.Printf("height:    %d\n", state.Height)
			fmt.Printf("dispensed: %d\n", state.Dispensed)
			fmt.Printf("saved at:  %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
			denoms := make([]string, 0, len(state.Balances))
			for d := range state.Balances {
				denoms = append(denoms, d)
			}
			sort.Strings(denoms)
			fmt.Println("balances:")
			for _, d := range denoms {
				fmt.Printf("  %s%s\n", state.Balances[d], d)
			}
			return nil
		},
	}
}
