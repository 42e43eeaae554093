// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

// Package cmd implements the elsort command line.
package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/exascience/elsort/config"
	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/utils"
)

type globalFlags struct {
	logging    logger.Logging
	logPath    string
	cpuProfile string
	timed      bool
}

// NewRoot returns the root command.
func NewRoot() *cobra.Command {
	var flags globalFlags
	cmd := &cobra.Command{
		Use:               utils.ProgramName,
		DisableAutoGenTag: true,
		SilenceErrors:     true,
		SilenceUsage:      true,
		Version:           utils.ProgramVersion,
		Short:             "elsort sorts and recompresses block-compressed record streams",
		Long: ProgramMessage + `

elsort decompresses a BGZF, zstd-blocked, gzip or uncompressed stream of
records in parallel, sorts the records with a stable parallel merge sort,
and compresses the result in parallel. Memory use is bounded by the
block pools, regardless of the size of the input.
`,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(utils.ProgramName, cmd.Flags()); err != nil {
				return err
			}
			if cmd.Flags().Changed("log-path") || flags.logPath != "" {
				w, err := setLogOutput(flags.logPath)
				if err != nil {
					return err
				}
				flags.logging.Output = w
				log.SetOutput(w)
			}
			return logger.Init(flags.logging)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.logging.Env, "logging-env", "prod", "the logging environment, dev for console output")
	pf.StringVar(&flags.logging.Level, "logging-level", "info", "the root level of logging")
	pf.StringSliceVar(&flags.logging.Modules, "logging-modules", nil, "the modules with their own logging level")
	pf.StringSliceVar(&flags.logging.Levels, "logging-levels", nil, "the logging levels of the logging modules")
	pf.StringVar(&flags.logPath, "log-path", "", "the directory under which a log file is created")
	pf.StringVar(&flags.cpuProfile, "cpuprofile", "", "write a CPU profile to this file")
	pf.BoolVar(&flags.timed, "timed", false, "log the elapsed time of the command")

	cmd.AddCommand(newSortCmd(&flags, true))
	cmd.AddCommand(newSortCmd(&flags, false))
	cmd.AddCommand(newCheckCmd(&flags))
	return cmd
}
