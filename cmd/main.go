/*
Copyright 2024 Tally Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/usetally/tally"
	"github.com/usetally/tally/config"
	"github.com/usetally/tally/database"
	"github.com/usetally/tally/internal/notification"
	"github.com/usetally/tally/platform"
)

// Tally represents the CLI application, encapsulating the root Cobra command.
type Tally struct {
	cmd *cobra.Command
}

// tallyInstance holds the engine instance and its configuration, shared by
// the server, workers and migrate commands.
type tallyInstance struct {
	tally *tally.Tally
	cnf   *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and initializes the engine before any command
// runs.
func preRun(app *tallyInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newTally, err := setupTally(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.tally = newTally
		app.cnf = cnf

		return nil
	}
}

// setupTally creates and initializes the engine from the configuration: the
// Postgres datasource first, then the engine with the configured platform
// credential resolver.
func setupTally(cfg *config.Configuration) (*tally.Tally, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newTally, err := tally.NewTally(db, platform.ResolverFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("error creating tally: %v", err)
	}
	return newTally, nil
}

// NewCLI creates the command-line interface for the application.
func NewCLI() *Tally {
	var configFile string
	b := &tallyInstance{}

	var rootCmd = &cobra.Command{
		Use:   "tally",
		Short: "Multi-touch attribution engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./tally.json", "Configuration file for the attribution engine")

	rootCmd.PersistentPreRunE = preRun(b, &configFile)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands())
	rootCmd.AddCommand(configCommands())

	return &Tally{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during
// execution.
func (w Tally) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()
	cli := NewCLI()
	cli.executeCLI()
}
