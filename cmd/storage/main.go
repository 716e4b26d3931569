package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stilllearninggo/dfs/storage"
)

func main() {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Run a filesystem storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("dir")
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			server := storage.NewStorageServer(
				dir,
				viper.GetString("naming-addr"),
				viper.GetInt("client-port"),
				viper.GetInt("command-port"),
			)
			return server.Run()
		},
	}
	cmd.Flags().String("dir", "", "root directory of the hosted subtree")
	cmd.Flags().String("naming-addr", "localhost:8090", "host:port of the naming server registration interface")
	cmd.Flags().Int("client-port", 8081, "port of the client-facing storage interface")
	cmd.Flags().Int("command-port", 8082, "port of the naming-facing command interface")
	_ = cmd.MarkFlagRequired("dir")

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
