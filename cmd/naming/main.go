package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stilllearninggo/dfs/naming"
)

func main() {
	cmd := &cobra.Command{
		Use:   "naming",
		Short: "Run the filesystem naming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			server := naming.NewNamingServer(
				viper.GetInt("service-port"),
				viper.GetInt("registration-port"),
			)
			defer server.Close()
			return server.Run()
		},
	}
	cmd.Flags().Int("service-port", 8080, "port of the client-facing service interface")
	cmd.Flags().Int("registration-port", 8090, "port of the storage-facing registration interface")

	viper.SetEnvPrefix("DFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		log.Fatal(err)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if err := cmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
