/*
 * Copyright 2020 Saffat Technologies, Ltd.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command logdbctl is operational tooling around a logdb database
// directory: opening it and printing its counters and metrics. Its compact
// subcommand does not run a compaction; it reports that compaction is driven
// through a caller-owned compaction.Manager. It is not part of the library's
// core.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "logdbctl",
		Short:   "Inspect and operate a logdb database directory",
		Version: "0.1.0",
	}

	root.PersistentFlags().String("dir", "", "database directory")
	root.PersistentFlags().StringSlice("trees", nil, "comma-separated tree names")
	_ = viper.BindPFlag("dir", root.PersistentFlags().Lookup("dir"))
	_ = viper.BindPFlag("trees", root.PersistentFlags().Lookup("trees"))
	viper.SetEnvPrefix("LOGDB")
	viper.AutomaticEnv()

	root.AddCommand(buildOpenCommand())
	root.AddCommand(buildStatCommand())
	root.AddCommand(buildCompactCommand())

	return root
}

func buildOpenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open a database directory, running recovery, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Printf("opened %q with %d tree(s)\n", cfg.Dir, len(cfg.Trees))
			return db.Sync(cmd.Context())
		},
	}
}

func buildStatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Print operational counters for a database directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			printStats(db)
			return nil
		},
	}
}

func buildCompactCommand() *cobra.Command {
	var tree string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Report how compaction for one tree is driven (does not compact)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tree == "" {
				return fmt.Errorf("logdbctl: --tree is required")
			}
			fmt.Printf("compaction for tree %q must be wired through a caller-owned compaction.Manager; ", tree)
			fmt.Println("logdbctl does not own tree rotation state on its own")
			return nil
		},
	}
	cmd.Flags().StringVar(&tree, "tree", "", "tree name to compact")
	return cmd
}
