package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/internal/xjson"
	"github.com/rendis/mcpflow/pkg/schema"
)

var (
	successStyle = color.New(color.FgGreen, color.Bold)
	errorStyle   = color.New(color.FgRed, color.Bold)
	warnStyle    = color.New(color.FgYellow)
	labelStyle   = color.New(color.FgCyan)
)

func printIssues(w io.Writer, res *schema.ValidationResult) {
	for _, issue := range res.Errors {
		fmt.Fprintf(w, "%s %s: %s\n", errorStyle.Sprint("error"), issue.Path, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "%s %s: %s\n", warnStyle.Sprint("warning"), issue.Path, issue.Message)
	}
}

func printResult(w io.Writer, res *engine.ExecutionResult) {
	status := successStyle.Sprint(res.Status)
	if !res.Success {
		status = errorStyle.Sprint(res.Status)
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Sprint("execution:"), res.ExecutionID)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Sprint("status:   "), status)
	fmt.Fprintf(w, "%s %dms\n", labelStyle.Sprint("duration: "), res.DurationMs)
	fmt.Fprintf(w, "%s %d cents\n", labelStyle.Sprint("cost:     "), res.TotalCostCents)
	if res.Error != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Sprint("error:    "), errorStyle.Sprint(res.Error))
	}
	if res.Output != nil {
		out, err := xjson.MarshalIndent(res.Output, "", "  ")
		if err != nil {
			out = []byte(fmt.Sprint(res.Output))
		}
		fmt.Fprintf(w, "%s\n%s\n", labelStyle.Sprint("output:"), out)
	}
}
