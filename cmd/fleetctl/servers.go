package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

func runServersCommand(ctx context.Context, addr string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: servers <list|get> [uuid]")
		return 2
	}
	client := newAPIClient(addr)

	switch args[0] {
	case "list":
		var servers []json.RawMessage
		if err := client.do(ctx, "GET", "/servers", nil, &servers); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
			return 1
		}
		return printRawList(servers)
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: servers get <uuid>")
			return 2
		}
		var server json.RawMessage
		if err := client.do(ctx, "GET", "/servers/"+args[1], nil, &server); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
			return 1
		}
		return printRawPretty(server)
	default:
		fmt.Fprintf(os.Stderr, "unknown servers subcommand %q\n", args[0])
		return 2
	}
}

func printRawList(items []json.RawMessage) int {
	for _, item := range items {
		var pretty map[string]interface{}
		if err := json.Unmarshal(item, &pretty); err != nil {
			fmt.Println(string(item))
			continue
		}
		uuid, _ := pretty["uuid"].(string)
		hostname, _ := pretty["hostname"].(string)
		status, _ := pretty["status"].(string)
		fmt.Printf("%-36s  %-20s  %s\n", uuid, hostname, status)
	}
	return 0
}

func printRawPretty(raw json.RawMessage) int {
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Println(string(raw))
		return 0
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(raw))
		return 0
	}
	fmt.Println(string(out))
	return 0
}
