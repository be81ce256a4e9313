// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	ttnlog "github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/log/apex"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

var logFile *os.File

// setupLogger logs to stdout and, if configured, as JSON to the log file
func setupLogger(cmd *cobra.Command, args []string) {
	handlers := []log.Handler{cli.New(os.Stdout)}

	if location := config.GetString("log-file"); location != "" {
		abs, err := filepath.Abs(location)
		if err != nil {
			panic(err)
		}
		logFile, err = os.OpenFile(abs, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			panic(err)
		}
		handlers = append(handlers, json.New(logFile))
	}

	level := log.InfoLevel
	if config.GetBool("debug") {
		level = log.DebugLevel
	}

	ctx = &log.Logger{
		Level:   level,
		Handler: multi.New(handlers...),
	}
	ttnlog.Set(apex.Wrap(ctx))
}

func closeLogFile(cmd *cobra.Command, args []string) {
	if logFile == nil {
		return
	}
	time.Sleep(100 * time.Millisecond)
	logFile.Close()
}

// Execute is called by main.go
func Execute() {
	defer func() {
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, false)
		if thePanic := recover(); thePanic != nil && ctx != nil {
			ctx.WithField("panic", thePanic).WithField("stack", string(buf)).Fatal("Stopping because of panic")
		}
	}()

	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
}
