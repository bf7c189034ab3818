package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rmax-ai/graphkit/pkg/client"
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/mcp"
)

var (
	Version   = "v0.1.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `Usage: graphkit <command> [flags]

Commands:
  health                         show daemon status
  get <id>                       show a node and its bonds
  list [-expr E] [-kind K]       list nodes
  commit [file]                  apply a JSON array of mutations (stdin when no file)
  changes [-since N] [-expr E]   print the change feed
  webhook add <url> [-expr E]    register a webhook
  webhook rm <id>                remove a webhook
  mcp                            serve the Model Context Protocol on stdio
  version                        print the version

Set GRAPHKIT_URL to reach a daemon other than http://127.0.0.1:8090.`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var netErr *url.Error
		if errors.As(err, &netErr) {
			fmt.Fprintln(os.Stderr, "Is graphkitd running?")
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	endpoint := os.Getenv("GRAPHKIT_URL")
	c := client.NewClient(endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "graphkit %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return nil

	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: graph %s at seq %d with %d nodes (graphkitd %s)\n", h.Status, h.Graph, h.Seq, h.Nodes, h.Version)
		return nil

	case "get":
		if len(rest) != 1 {
			return errUsage
		}
		node, err := c.GetNode(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, node)

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		expr := fs.String("expr", "", "predicate expression")
		kind := fs.String("kind", "", "entity|action|bond")
		limit := fs.Int("limit", 100, "maximum number of nodes")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		nodes, err := c.ListNodes(ctx, client.ListOptions{Expr: *expr, Kind: graph.Kind(*kind), Limit: *limit})
		if err != nil {
			return err
		}
		return printJSON(stdout, nodes)

	case "commit":
		in := stdin
		if len(rest) == 1 {
			f, err := os.Open(rest[0])
			if err != nil {
				return fmt.Errorf("failed to open mutations: %w", err)
			}
			defer f.Close()
			in = f
		} else if len(rest) > 1 {
			return errUsage
		}
		var muts []client.Mutation
		if err := json.NewDecoder(in).Decode(&muts); err != nil {
			return fmt.Errorf("failed to decode mutations: %w", err)
		}
		res, err := c.Commit(ctx, muts...)
		if err != nil {
			return err
		}
		return printJSON(stdout, res)

	case "changes":
		fs := flag.NewFlagSet("changes", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		since := fs.Int64("since", 0, "return entries after this feed index")
		expr := fs.String("expr", "", "predicate expression")
		limit := fs.Int("limit", 100, "maximum number of entries")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		page, err := c.Changes(ctx, *since, *expr, *limit)
		if err != nil {
			return err
		}
		for _, fe := range page.Changes {
			e := fe.Entry
			line := fmt.Sprintf("%d\t%s\t%s\t%s", fe.Index, e.Kind, e.Node.ID, e.Node.Type)
			if e.Name != "" {
				line += "\t" + e.Name
			}
			if !e.Value.IsAbsent() {
				line += "=" + e.Value.String()
			}
			fmt.Fprintln(stdout, line)
		}
		fmt.Fprintf(stdout, "next %d\n", page.Next)
		return nil

	case "webhook":
		return runWebhook(ctx, c, rest, stdout)

	case "mcp":
		if endpoint == "" {
			endpoint = "http://127.0.0.1:8090"
		}
		return mcp.NewServer(endpoint).Serve()
	}

	return errUsage
}

func runWebhook(ctx context.Context, c *client.Client, args []string, stdout io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	switch args[0] {
	case "add":
		target := args[1]
		fs := flag.NewFlagSet("webhook add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		expr := fs.String("expr", "", "predicate expression")
		kind := fs.String("kind", "", "entity|action|bond")
		if err := fs.Parse(args[2:]); err != nil {
			return errUsage
		}
		reg, err := c.RegisterWebhook(ctx, target, *kind, *expr)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Webhook Registered: %s\n", reg.WebhookID)
		fmt.Fprintf(stdout, "Secret: %s\n", reg.Secret)
		fmt.Fprintln(stdout, "WARNING: Save this secret! It will not be shown again.")
		return nil
	case "rm":
		if err := c.DeleteWebhook(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Webhook Removed: %s\n", strings.TrimSpace(args[1]))
		return nil
	}
	return errUsage
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
