package daemon

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/unipago/affiliate-exchange/internal/common/constants"
)

func (a *App) installVersion() {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Returns the running version of " + constants.ExchangeServiceCmdName + " and exits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", constants.ExchangeServiceCmdName, constants.Version)
			return err
		},
	}
	a.cmd.AddCommand(cmd)
}
