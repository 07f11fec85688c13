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
	"sort"
	"strconv"

	"github.com/gorse-io/nearby/common/encoding"
	"github.com/gorse-io/nearby/common/log"
	"github.com/gorse-io/nearby/model/ranking"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var trainCommand = &cobra.Command{
	Use:   "train",
	Short: "Train a ranker on the current snapshot and deploy it if it passes the gate.",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenStores(cmd)
		defer s.Close()
		report, err := s.trainer().Train(context.Background())
		if err != nil {
			log.Logger().Fatal("failed to train ranker", zap.Error(err))
		}
		fmt.Printf("version:  %s\n", report.Version)
		fmt.Printf("deployed: %v\n", report.Deployed)
		fmt.Printf("rows:     %d\n", report.Rows)
		fmt.Printf("groups:   %d\n", report.Groups)
		fmt.Printf("duration: %v\n", report.Duration)
		renderScores([]string{report.Version}, []ranking.Score{report.Score})
	},
}

var evaluateCommand = &cobra.Command{
	Use:   "evaluate [version]",
	Short: "Evaluate a saved ranker on the validation users. The deployed ranker is used by default.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenStores(cmd)
		defer s.Close()
		var version string
		if len(args) > 0 {
			version = args[0]
		}
		score, err := s.trainer().Evaluate(context.Background(), version)
		if err != nil {
			log.Logger().Fatal("failed to evaluate ranker", zap.Error(err))
		}
		renderScores([]string{lo.Ternary(version == "", "current", version)}, []ranking.Score{score})
	},
}

var tuneCommand = &cobra.Command{
	Use:   "tune",
	Short: "Search hyper-parameters of the ranker by TPE.",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustOpenStores(cmd)
		defer s.Close()
		trials, _ := cmd.Flags().GetInt("trials")
		if !cmd.Flags().Changed("trials") {
			trials = s.config.Ranker.SearchTrials
		}
		result, err := s.trainer().Tune(context.Background(), trials)
		if err != nil {
			log.Logger().Fatal("failed to tune ranker", zap.Error(err))
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Param", "Value")
		names := lo.Keys(result.Params)
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		for _, name := range names {
			_ = table.Append([]string{string(name), fmt.Sprint(result.Params[name])})
		}
		_ = table.Render()
		renderScores([]string{"best"}, []ranking.Score{result.Score})
	},
}

func renderScores(names []string, scores []ranking.Score) {
	if len(scores) == 0 {
		return
	}
	header := []any{"Model"}
	for _, k := range scores[0].Cutoffs() {
		header = append(header, "NDCG@"+strconv.Itoa(k))
	}
	header = append(header, "MRR", "MAP", "Groups")
	table := tablewriter.NewWriter(os.Stdout)
	table.Header(header...)
	for i, score := range scores {
		row := []string{names[i]}
		for _, k := range score.Cutoffs() {
			row = append(row, encoding.FormatFloat64(score.NDCG[k], 4))
		}
		row = append(row, encoding.FormatFloat64(score.MRR, 4), encoding.FormatFloat64(score.MAP, 4), strconv.Itoa(score.Groups))
		_ = table.Append(row)
	}
	_ = table.Render()
}

func init() {
	cliCommand.AddCommand(trainCommand, evaluateCommand, tuneCommand)
	tuneCommand.Flags().Int("trials", 20, "number of trials")
}
