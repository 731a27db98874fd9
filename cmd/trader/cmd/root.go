package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crypto-futures-trader/internal/service"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "USDT-M futures position and order guard engine",
	Long: `Trader runs indicator driven (symbol, interval) workers against Binance USDT-M futures
or a paper simulator, with duplicate-order protection, per-slot position accounting,
stop-loss monitoring and exchange reconciliation.

Configuration is read from <config-dir>/config.yaml; <config-dir>/.env may carry
TRADER_EXCHANGE_API_KEY and TRADER_EXCHANGE_SECRET_KEY.`,
	SilenceUsage: true,
}

var configDir string

// Execute 入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", "config", "directory containing config.yaml and .env")
}

// loadConfig 读取配置目录，目录不存在时给出明确提示
func loadConfig() (*service.Config, error) {
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration directory %q not found, run `trader config init` first", configDir)
	}
	return service.LoadConfig(configDir)
}
