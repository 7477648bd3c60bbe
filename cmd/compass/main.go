// Copyright 2026 The Compass Authors
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

// Command compass runs the capability discovery service.
//
// Usage:
//
//	compass serve --config compass.yaml
//	compass rebuild --config compass.yaml
//	compass validate compass.yaml
//	compass schema > config-schema.json
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/atlasmesh/compass"
	"github.com/atlasmesh/compass/pkg/config"
	"github.com/atlasmesh/compass/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the discovery HTTP server."`
	Rebuild  RebuildCmd  `cmd:"" help:"Rebuild the vector indexes and exit."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(compass.GetVersion())
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	app, loader, err := buildApp(ctx, cli, c.Port, c.Watch)
	if err != nil {
		return err
	}
	defer app.Close()
	if loader != nil {
		defer loader.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return app.server.Shutdown(shutdownCtx)
}

// RebuildCmd rebuilds both indexes from the registry and writes fresh
// snapshots, then exits. Useful for pre-warming a deployment.
type RebuildCmd struct{}

func (c *RebuildCmd) Run(cli *CLI) error {
	ctx := context.Background()

	app, loader, err := buildApp(ctx, cli, 0, false)
	if err != nil {
		return err
	}
	defer app.Close()
	if loader != nil {
		defer loader.Close()
	}

	if err := app.indexer.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	st := app.indexer.Status()
	fmt.Printf("indexed %d services, %d tools\n", st.ServicesIndexed, st.ToolsIndexed)
	return nil
}

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	loader := config.NewLoader(config.LoaderOptions{Path: c.Config})
	if _, err := loader.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", c.Config, err)
		return fmt.Errorf("config validation failed")
	}
	fmt.Printf("%s: valid\n", c.Config)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("compass"),
		kong.Description("Compass - semantic capability discovery service"),
		kong.UsageOnError(),
	)

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
