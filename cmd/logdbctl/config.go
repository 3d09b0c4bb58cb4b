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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/unit-io/logdb"
	"github.com/unit-io/logdb/storelog"
)

// Config is the resolved set of knobs logdbctl needs to open a database
// directory: env vars (LOGDB_DIR, LOGDB_TREES) and flags both land here via
// viper, flags taking precedence.
type Config struct {
	Dir   string   `mapstructure:"dir"`
	Trees []string `mapstructure:"trees"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("logdbctl: decode config: %w", err)
	}
	if cfg.Dir == "" {
		return Config{}, fmt.Errorf("logdbctl: --dir is required")
	}
	if len(cfg.Trees) == 0 {
		return Config{}, fmt.Errorf("logdbctl: --trees requires at least one name")
	}
	return cfg, nil
}

// openDatabase builds one FileLog per configured tree plus the shared
// commit log, under cfg.Dir, then opens and recovers a Database over them.
func openDatabase(ctx context.Context, cfg Config) (*logdb.Database, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("logdbctl: create %s: %w", cfg.Dir, err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	trees := make(map[string]logdb.Log[logdb.Command], len(cfg.Trees))
	for _, name := range cfg.Trees {
		l, err := storelog.OpenFileLog[logdb.Command](storelog.FileLogOptions{
			Path:   filepath.Join(cfg.Dir, name+".log"),
			Logger: logger,
		}, storelog.NewBinaryCodec[logdb.Command, *logdb.Command](logdb.Command.MarshalBinary))
		if err != nil {
			return nil, fmt.Errorf("logdbctl: open tree %q: %w", name, err)
		}
		trees[name] = l
	}

	commitLog, err := storelog.OpenFileLog[logdb.CommitRecord](storelog.FileLogOptions{
		Path:   filepath.Join(cfg.Dir, "commits.log"),
		Logger: logger,
	}, storelog.NewBinaryCodec[logdb.CommitRecord, *logdb.CommitRecord](logdb.CommitRecord.MarshalBinary))
	if err != nil {
		return nil, fmt.Errorf("logdbctl: open commit log: %w", err)
	}

	db, err := logdb.New(logdb.Options{Trees: trees, CommitLog: commitLog, Logger: &logger})
	if err != nil {
		return nil, fmt.Errorf("logdbctl: construct database: %w", err)
	}
	if err := db.Init(ctx); err != nil {
		return nil, fmt.Errorf("logdbctl: recover database: %w", err)
	}
	return db, nil
}

func printStats(db *logdb.Database) {
	m := db.Metrics
	fmt.Printf("puts=%d deletes=%d commits=%d aborts=%d compactions=%d bytes_written=%d\n",
		m.Puts.Count(), m.Deletes.Count(), m.Commits.Count(), m.Aborts.Count(),
		m.Compactions.Count(), m.BytesWritten.Count())
}
