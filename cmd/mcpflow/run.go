package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/mcpflow/internal/engine"
)

type fileArg struct {
	File string `positional-arg-name:"file" required:"yes" description:"workflow definition (YAML or JSON, path or URL)"`
}

type RunCmd struct {
	Input string  `short:"i" long:"input" description:"input object as JSON/YAML, or @file"`
	User  string  `short:"u" long:"user" default:"cli" description:"user the execution is recorded under"`
	Args  fileArg `positional-args:"yes"`
}

func (c *RunCmd) Execute(_ []string) error {
	cfg, err := options.config()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, _, err := loadDefinition(ctx, c.Args.File)
	if err != nil {
		return err
	}
	input, err := parseInput(ctx, c.Input)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res := a.validator.Validate(def)
	printIssues(os.Stderr, res)
	if !res.Valid() {
		return errors.New("definition is invalid")
	}

	result, err := a.executor.Execute(ctx, engine.ExecuteRequest{Definition: def, UserID: c.User, Input: input})
	if err != nil {
		return err
	}
	printResult(os.Stdout, result)
	if !result.Success {
		return errors.New("workflow did not complete")
	}
	return nil
}
