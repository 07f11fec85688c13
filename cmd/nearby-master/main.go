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
	"github.com/gorse-io/nearby/master"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var masterCommand = &cobra.Command{
	Use:   "nearby-master",
	Short: "The master node of nearby worker ranking.",
	Run: func(cmd *cobra.Command, args []string) {
		// Show version
		if showVersion, _ := cmd.PersistentFlags().GetBool("version"); showVersion {
			fmt.Println(version.BuildInfo())
			return
		}
		// setup logger
		debug, _ := cmd.PersistentFlags().GetBool("debug")
		log.SetLogger(cmd.PersistentFlags(), debug)

		// Create master
		configPath, _ := cmd.PersistentFlags().GetString("config")
		log.Logger().Info("load config", zap.String("config", configPath))
		conf, err := config.LoadConfig(configPath)
		if err != nil {
			log.Logger().Fatal("failed to load config", zap.Error(err))
		}
		dataClient, err := data.Open(conf.Database.DataStore, conf.Database.TablePrefix)
		if err != nil {
			log.Logger().Fatal("failed to connect data store", zap.Error(err),
				zap.String("database", log.RedactDBURL(conf.Database.DataStore)))
		}
		if err = dataClient.Init(); err != nil {
			log.Logger().Fatal("failed to init data store", zap.Error(err))
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
		m := master.NewMaster(conf, dataClient, metaClient, blobStore)
		// Stop master
		done := make(chan struct{})
		go func() {
			sigint := make(chan os.Signal, 1)
			signal.Notify(sigint, os.Interrupt)
			<-sigint
			m.Shutdown()
			close(done)
		}()
		// Start master
		m.Serve()
		<-done
		if err = dataClient.Close(); err != nil {
			log.Logger().Error("failed to close data store", zap.Error(err))
		}
		if err = metaClient.Close(); err != nil {
			log.Logger().Error("failed to close meta store", zap.Error(err))
		}
		log.Logger().Info("stop nearby master successfully")
	},
}

func init() {
	log.AddFlags(masterCommand.PersistentFlags())
	masterCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	masterCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	masterCommand.PersistentFlags().BoolP("version", "v", false, "nearby version")
}

func main() {
	if err := masterCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
