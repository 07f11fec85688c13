// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/gorse-io/nearby/cmd/version"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/server"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serverCommand = &cobra.Command{
	Use:   "nearby-server",
	Short: "The server node of nearby worker ranking.",
	Run: func(cmd *cobra.Command, args []string) {
		// show version
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)

		// load config
		configPath, _ := cmd.PersistentFlags().GetString("config")
		log.Logger().Info("load config", zap.String("config", configPath))
		conf, err := config.LoadConfig(configPath)
		if err != nil {
			log.Logger().Fatal("failed to load config", zap.Error(err))
		}
		if cmd.PersistentFlags().Changed("http-host") {
			conf.Server.Host, _ = cmd.PersistentFlags().GetString("http-host")
		}
		if cmd.PersistentFlags().Changed("http-port") {
			conf.Server.Port, _ = cmd.PersistentFlags().GetInt("http-port")
		}

		// connect storage
		dataClient, err := data.Open(conf.Database.DataStore, conf.Database.TablePrefix)
		if err != nil {
			log.Logger().Fatal("failed to connect data store", zap.Error(err),
				zap.String("database", log.RedactDBURL(conf.Database.DataStore)))
		}
		metaClient, err := meta.Open(conf.Database.MetaStore, conf.Server.ModelCheckPeriod*3)
		if err != nil {
			log.Logger().Fatal("failed to connect meta store", zap.Error(err),
				zap.String("database", log.RedactDBURL(conf.Database.MetaStore)))
		}
		if err = metaClient.Init(); err != nil {
			log.Logger().Fatal("failed to init meta store", zap.Error(err))
		}
		blobStore, err := blob.Open(conf.Blob)
		if err != nil {
			log.Logger().Fatal("failed to open blob store", zap.Error(err))
		}

		// stop server
		s := server.NewServer(conf, dataClient, metaClient, blobStore)
		done := make(chan struct{})
		go func() {
			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, os.Interrupt)
			<-sigint
			s.Shutdown()
			close(done)
		}()
		// start server
		s.Serve()
		<-done
		if err = dataClient.Close(); err != nil {
			log.Logger().Error("failed to close data store", zap.Error(err))
		}
		if err = metaClient.Close(); err != nil {
			log.Logger().Error("failed to close meta store", zap.Error(err))
		}
		log.Logger().Info("stop nearby server successfully")
	},
}

func init() {
	log.AddFlags(serverCommand.PersistentFlags())
	serverCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	serverCommand.PersistentFlags().BoolP("version", "v", false, "nearby version")
	serverCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	serverCommand.PersistentFlags().String("http-host", "127.0.0.1", "host of RESTful API")
	serverCommand.PersistentFlags().Int("http-port", 8087, "port of RESTful API")
}

func main() {
	if err := serverCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
