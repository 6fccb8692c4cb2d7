package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
)

// Options is the root of the CLI. Subcommands read the global flags through it.
type Options struct {
	Config   string `short:"c" long:"config" description:"settings file (default ~/.mcpflow/settings.json)"`
	LogLevel string `long:"log-level" description:"override log_level: debug, info, warn, error"`

	Serve    ServeCmd    `command:"serve" description:"Run the HTTP API, progress streams and the cron scheduler"`
	MCP      MCPCmd      `command:"mcp" description:"Serve the workflow tools over MCP stdio"`
	Run      RunCmd      `command:"run" description:"Execute a workflow definition file locally"`
	Validate ValidateCmd `command:"validate" description:"Validate a workflow definition file"`
	Diagram  DiagramCmd  `command:"diagram" description:"Render a workflow definition file as Mermaid or PNG"`
	Services ServicesCmd `command:"services" description:"Search the service discovery catalog"`
	Version  VersionCmd  `command:"version" description:"Print the version"`
}

var options Options

func main() {
	parser := flags.NewParser(&options, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "mcpflow"
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, ferr.Message)
			return
		}
		fmt.Fprintln(os.Stderr, errorStyle.Sprint("Error: ")+err.Error())
		os.Exit(1)
	}
}

// config loads the layered configuration and applies the global --log-level.
func (o *Options) config() (Config, error) {
	cfg, err := loadConfig(o.Config)
	if err != nil {
		return Config{}, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, nil
}
