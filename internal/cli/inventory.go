package cli

import (
	"fmt"

	"github.com/bigdatalab/labprovision/internal/inventory"
	"github.com/bigdatalab/labprovision/internal/log"
	"github.com/spf13/cobra"
)

func newInventoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "inventory",
		Aliases: []string{"ls"},
		Short:   "List the instances this tool launched",
		Long: `List every instance recorded in the launch inventory, including ones whose
bootstrap failed. Nothing is queried from AWS: the listing reflects what was
recorded at launch time, so terminated instances still show up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.cfg.InventoryPath == "" {
				return fmt.Errorf("the inventory is disabled (--inventory is empty)")
			}
			log.Debug(cmd.Context(), "reading inventory", "path", opts.cfg.InventoryPath)
			records, err := inventory.NewFile(opts.cfg.InventoryPath).List(cmd.Context())
			if err != nil {
				return err
			}
			printInventory(cmd.OutOrStdout(), records)
			return nil
		},
	}
}
