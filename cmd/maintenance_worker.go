/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"github.com/krobus00/market-maker-service/internal/bootstrap"
	"github.com/spf13/cobra"
)

// maintenanceWorkerCmd represents the maintenanceWorker command
var maintenanceWorkerCmd = &cobra.Command{
	Use:   "maintenance-worker",
	Short: "Run order-grid maintenance workers",
	Long: `Run one maintenance loop per configured worker: aggregate the center
price, plan the order ladder, reconcile it against the persisted ledger and
live exchange orders, then place and cancel orders to close the gap.`,
	Run: bootstrap.StartMaintenanceWorker,
}

func init() {
	rootCmd.AddCommand(maintenanceWorkerCmd)
}
