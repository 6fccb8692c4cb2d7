package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/mcpflow/internal/diagram"
)

type DiagramCmd struct {
	Format string  `short:"f" long:"format" default:"mermaid" choice:"mermaid" choice:"png" description:"output format"`
	Output string  `short:"o" long:"output" description:"write to this file instead of stdout"`
	Args   fileArg `positional-args:"yes"`
}

func (c *DiagramCmd) Execute(_ []string) error {
	ctx := context.Background()
	def, name, err := loadDefinition(ctx, c.Args.File)
	if err != nil {
		return err
	}

	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(c.Args.File), filepath.Ext(c.Args.File))
	}
	model.Title = name

	var out []byte
	if c.Format == "png" {
		if out, err = diagram.RenderImage(ctx, model); err != nil {
			return err
		}
	} else {
		out = []byte(diagram.RenderMermaid(model))
	}

	if c.Output == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(c.Output, out, 0o644)
}
