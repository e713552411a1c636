/*
Copyright © 2026 Michael Putera Wardana <michaelputeraw@gmail.com>
*/
package cmd

import (
	"time"

	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// publishTickCmd represents the publish-tick command, a manual smoke test
// that pushes synthetic ticks onto the ticks stream.
var publishTickCmd = &cobra.Command{
	Use:   "publish-tick",
	Short: "Publish synthetic ticks to the ticks stream",
	Long:  `Publish synthetic ticks to the ticks stream for local testing of the gateway fan-out and recovery paths.`,
	Run: func(cmd *cobra.Command, args []string) {
		provider, _ := cmd.Flags().GetString("provider")
		symbol, _ := cmd.Flags().GetString("symbol")
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")

		nc, js, err := infrastructure.NewJetstream()
		util.ContinueOrFatal(err)
		defer func() {
			_ = infrastructure.CloseJetstream(nc)
		}()

		price := decimal.NewFromFloat(100.0)
		step := decimal.NewFromFloat(0.05)

		for i := 0; i < count; i++ {
			price = price.Add(step)
			event := entity.TickEvent{
				Provider:  provider,
				Symbol:    symbol,
				Timestamp: time.Now().UnixMilli(),
				Price:     price,
			}

			err := util.PublishEvent(js, constant.TickStreamSubject+"."+provider, event)
			util.ContinueOrFatal(err)

			logrus.Infof("published tick %d/%d for %s at %s", i+1, count, symbol, price.String())
			time.Sleep(interval)
		}
	},
}

func init() {
	rootCmd.AddCommand(publishTickCmd)
	publishTickCmd.Flags().String("provider", "sim", "provider name")
	publishTickCmd.Flags().String("symbol", "AAPL.US", "symbol to publish")
	publishTickCmd.Flags().Int("count", 10, "number of ticks")
	publishTickCmd.Flags().Duration("interval", 100*time.Millisecond, "delay between ticks")
}
