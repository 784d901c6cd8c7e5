// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for ptctl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"

	"hvpt.dev/hvpt/pkg/log"
	"hvpt.dev/hvpt/ptctl/cmd"
	"hvpt.dev/hvpt/ptctl/config"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var logFile io.Writer
	if conf.LogFilename != "" {
		// Append: successive commands share one log file.
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		defer f.Close()
		logFile = f
	}
	log.SetTarget(newTarget(conf, logFile, os.Stderr))
	log.SetLevel(conf.Level())
	log.Infof("***************************")
	log.Infof("Args: %s", os.Args)
	conf.Log()
	log.Infof("***************************")

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	log.Debugf("Exiting with status: %d", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// ptctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	const tablesGroup = "page tables"
	cb(new(cmd.Map), tablesGroup)
	cb(new(cmd.Stress), tablesGroup)
}

// newTarget returns the emitter for conf. Logs go to logFile if it is set
// and to stderr otherwise, or to both with --alsologtostderr.
func newTarget(conf *config.Config, logFile, stderr io.Writer) log.Emitter {
	if logFile == nil {
		return newEmitter(conf.DebugLogFormat, stderr)
	}
	if conf.AlsoLogToStderr {
		return &log.MultiEmitter{
			newEmitter(conf.DebugLogFormat, logFile),
			newEmitter(conf.DebugLogFormat, stderr),
		}
	}
	return newEmitter(conf.DebugLogFormat, logFile)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "json-k8s":
		return log.K8sJSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", format)
	panic("unreachable")
}
