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
	"context"
	"fmt"
	"os"

	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/storage/data"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var generateCommand = &cobra.Command{
	Use:   "generate",
	Short: "Generate a synthetic marketplace into the data store.",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenStores(cmd)
		defer s.Close()
		opts := data.DefaultGenerateOptions()
		opts.NumUsers, _ = cmd.Flags().GetInt("users")
		opts.NumWorkers, _ = cmd.Flags().GetInt("workers")
		opts.NumBookings, _ = cmd.Flags().GetInt("bookings")
		opts.UnlocatedFraction, _ = cmd.Flags().GetFloat64("unlocated")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		if purge, _ := cmd.Flags().GetBool("purge"); purge {
			if err := s.dataClient.Purge(); err != nil {
				log.Logger().Fatal("failed to purge data store", zap.Error(err))
			}
		}
		snapshot := data.Generate(opts)
		bar := progressbar.Default(int64(snapshot.NumRows()), "Generating marketplace")
		if err := snapshot.Insert(context.Background(), s.dataClient, s.config.Master.BatchSize, func(n int) {
			_ = bar.Add(n)
		}); err != nil {
			log.Logger().Fatal("failed to insert marketplace", zap.Error(err))
		}
		_ = bar.Finish()
		fmt.Printf("users: %d, workers: %d, services: %d, bookings: %d, training rows: %d\n",
			len(snapshot.Users), len(snapshot.Workers), len(snapshot.Services), len(snapshot.Bookings), len(snapshot.UserWorkerData))
	},
}

var importCommand = &cobra.Command{
	Use:   "import <bookings.csv>",
	Short: "Import bookings from CSV and rebuild the user-worker aggregates they touch.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenStores(cmd)
		defer s.Close()
		file, err := os.Open(args[0])
		if err != nil {
			log.Logger().Fatal("failed to open file", zap.Error(err))
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			log.Logger().Fatal("failed to stat file", zap.Error(err))
		}
		reader := progressbar.NewReader(file, progressbar.DefaultBytes(info.Size(), "Reading bookings"))
		bookings, err := data.ReadBookings(&reader)
		if err != nil {
			log.Logger().Fatal("failed to read bookings", zap.Error(err))
		}
		snapshot := &data.Snapshot{Bookings: bookings}
		snapshot.Aggregate()
		if err = snapshot.Insert(context.Background(), s.dataClient, s.config.Master.BatchSize, nil); err != nil {
			log.Logger().Fatal("failed to insert bookings", zap.Error(err))
		}
		fmt.Printf("bookings: %d, training rows: %d\n", len(snapshot.Bookings), len(snapshot.UserWorkerData))
	},
}

var exportCommand = &cobra.Command{
	Use:   "export <training.csv>",
	Short: "Export the training snapshot as CSV.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenStores(cmd)
		defer s.Close()
		records, err := data.ReadTrainingRecords(context.Background(), s.dataClient, s.config.Master.BatchSize)
		if err != nil {
			log.Logger().Fatal("failed to read training snapshot", zap.Error(err))
		}
		file, err := os.Create(args[0])
		if err != nil {
			log.Logger().Fatal("failed to create file", zap.Error(err))
		}
		defer file.Close()
		if err = data.WriteTrainingRecords(file, records); err != nil {
			log.Logger().Fatal("failed to write training snapshot", zap.Error(err))
		}
		fmt.Printf("export %d training rows to %s\n", len(records), args[0])
	},
}

func init() {
	cliCommand.AddCommand(generateCommand, importCommand, exportCommand)
	defaults := data.DefaultGenerateOptions()
	generateCommand.Flags().Int("users", defaults.NumUsers, "number of users")
	generateCommand.Flags().Int("workers", defaults.NumWorkers, "number of workers")
	generateCommand.Flags().Int("bookings", defaults.NumBookings, "number of bookings")
	generateCommand.Flags().Float64("unlocated", defaults.UnlocatedFraction, "fraction of users without location")
	generateCommand.Flags().Int64("seed", defaults.Seed, "random seed")
	generateCommand.Flags().Bool("purge", false, "purge the data store before generating")
}
