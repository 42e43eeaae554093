// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2017-2021 imec vzw.

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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/exascience/elsort/logger"
	"github.com/exascience/elsort/utils"
)

// ProgramMessage is the first line printed when the elsort binary is
// called.
var ProgramMessage = fmt.Sprint(
	utils.ProgramName, " version ", utils.ProgramVersion,
	" compiled with ", runtime.Version(), " - see ", utils.ProgramURL, " for more information.",
)

func createLogFilename() string {
	t := time.Now()
	zone, _ := t.Zone()
	return fmt.Sprintf("logs/elsort/elsort-%d-%02d-%02d-%02d-%02d-%02d-%09d-%v.log", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), zone)
}

// setLogOutput creates a log file under path, and redirects stderr
// into it. The returned writer writes both to the log file and to the
// original stderr.
func setLogOutput(path string) (io.Writer, error) {
	logPath := createLogFilename()
	var fullPath string
	if path == "" {
		fullPath = filepath.Join(os.Getenv("HOME"), logPath)
	} else {
		fullPath = filepath.Join(path, logPath)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		return nil, err
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(f, ProgramMessage)
	fmt.Fprintln(f, "Command line:", os.Args)

	orgStderr, err := unix.Dup(2)
	if err != nil {
		return nil, errors.Wrap(err, "duplicate stderr")
	}
	ferr := os.NewFile(uintptr(orgStderr), "/dev/stderr")
	if err := unix.Dup2(int(f.Fd()), 2); err != nil {
		return nil, errors.Wrap(err, "redirect stderr")
	}
	return io.MultiWriter(f, ferr), nil
}

// timedRun runs f, optionally under the CPU profiler, and logs the
// elapsed time when timed is set.
func timedRun(timed bool, profile, msg string, f func() error) (err error) {
	if profile != "" {
		file, ferr := os.Create(profile)
		if ferr != nil {
			return ferr
		}
		defer func() {
			err = multierr.Append(err, file.Close())
		}()
		if perr := pprof.StartCPUProfile(file); perr != nil {
			return perr
		}
		defer pprof.StopCPUProfile()
	}
	if timed {
		log := logger.GetLogger("cmd")
		log.Info().Msg(msg)
		start := time.Now()
		defer func() {
			log.Info().Dur("elapsed", time.Since(start)).Msg("elapsed time")
		}()
	}
	return f()
}

// runInterruptible runs f until it returns, or until the process
// receives SIGINT or SIGTERM, in which case the context of f is
// cancelled and the signal is reported as the error.
func runInterruptible(f func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		return f(ctx)
	}, func(error) {
		cancel()
	})
	return g.Run()
}

