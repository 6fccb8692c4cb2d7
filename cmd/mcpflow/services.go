package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rendis/mcpflow/internal/services"
	"github.com/rendis/mcpflow/internal/xjson"
)

type ServicesCmd struct {
	Query      string `short:"q" long:"query" description:"search text"`
	Category   string `long:"category" description:"only this category"`
	Limit      int    `long:"limit" default:"20" description:"page size"`
	Offset     int    `long:"offset" description:"results to skip"`
	Categories bool   `long:"categories" description:"list categories instead of servers"`
	Args       struct {
		Slug string `positional-arg-name:"slug" description:"show one server in full"`
	} `positional-args:"yes"`
}

func (c *ServicesCmd) Execute(_ []string) error {
	cfg, err := options.config()
	if err != nil {
		return err
	}
	disc := newDiscovery(cfg)
	if disc == nil {
		return errors.New("discovery_url is not configured")
	}
	ctx := context.Background()

	switch {
	case c.Categories:
		cats, err := disc.Categories(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, strings.Join(cats, "\n"))
		return nil
	case c.Args.Slug != "":
		srv, err := disc.GetBySlug(ctx, c.Args.Slug)
		if err != nil {
			return err
		}
		out, err := xjson.MarshalIndent(srv.Descriptor(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	}

	res, err := disc.Search(ctx, services.SearchOptions{Query: c.Query, Category: c.Category, Limit: c.Limit, Offset: c.Offset})
	if err != nil {
		return err
	}
	for _, s := range res.Servers {
		fmt.Fprintf(os.Stdout, "%s  %s  %s\n", labelStyle.Sprint(s.Slug), s.Name, warnStyle.Sprintf("%d¢/call", s.CostPerCallCents))
	}
	fmt.Fprintf(os.Stdout, "%d of %d (page %d)\n", len(res.Servers), res.Total, res.Page)
	return nil
}
