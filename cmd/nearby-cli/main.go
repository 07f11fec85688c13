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

	"github.com/gorse-io/nearby/cmd/version"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/config"
	"github.com/gorse-io/nearby/master"
	"github.com/gorse-io/nearby/storage/blob"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/gorse-io/nearby/storage/meta"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cliCommand = &cobra.Command{
	Use:   "nearby-cli",
	Short: "CLI for nearby worker ranking.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show the version of nearby.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(version.BuildInfo())
	},
}

// stores are the storage backends opened from the configuration.
type stores struct {
	config     *config.Config
	dataClient data.Database
	metaClient meta.Database
	blobStore  blob.Store
}

func openStores(cmd *cobra.Command) (*stores, error) {
	configPath, _ := cmd.Flags().GetString("config")
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := &stores{config: conf}
	if s.dataClient, err = data.Open(conf.Database.DataStore, conf.Database.TablePrefix); err != nil {
		return nil, errors.Annotatef(err, "failed to connect %s", log.RedactDBURL(conf.Database.DataStore))
	}
	if err = s.dataClient.Init(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.metaClient, err = meta.Open(conf.Database.MetaStore, conf.Server.ModelCheckPeriod*3); err != nil {
		return nil, errors.Annotatef(err, "failed to connect %s", log.RedactDBURL(conf.Database.MetaStore))
	}
	if err = s.metaClient.Init(); err != nil {
		return nil, errors.Trace(err)
	}
	if s.blobStore, err = blob.Open(conf.Blob); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

func (s *stores) trainer() *master.Trainer {
	return master.NewTrainer(s.config, s.dataClient, s.metaClient, s.blobStore)
}

func (s *stores) Close() {
	if err := s.dataClient.Close(); err != nil {
		log.Logger().Error("failed to close data store", zap.Error(err))
	}
	if err := s.metaClient.Close(); err != nil {
		log.Logger().Error("failed to close meta store", zap.Error(err))
	}
}

func mustOpenStores(cmd *cobra.Command) *stores {
	s, err := openStores(cmd)
	if err != nil {
		log.Logger().Fatal("failed to open stores", zap.Error(err))
	}
	return s
}

func init() {
	log.AddFlags(cliCommand.PersistentFlags())
	cliCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	cliCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	cliCommand.AddCommand(versionCommand)
}

func main() {
	if err := cliCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
