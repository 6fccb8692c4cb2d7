package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rendis/mcpflow/internal/validation"
)

type ValidateCmd struct {
	Args fileArg `positional-args:"yes"`
}

func (c *ValidateCmd) Execute(_ []string) error {
	def, _, err := loadDefinition(context.Background(), c.Args.File)
	if err != nil {
		return err
	}
	v, err := validation.NewWorkflowValidator()
	if err != nil {
		return err
	}

	res := v.Validate(def)
	printIssues(os.Stdout, res)
	if !res.Valid() {
		return errors.New("definition is invalid")
	}
	fmt.Fprintln(os.Stdout, successStyle.Sprint("valid"))
	return nil
}
