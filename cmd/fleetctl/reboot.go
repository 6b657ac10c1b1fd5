package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

func runRebootPlansCommand(ctx context.Context, addr string, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: reboot-plans <list|get|create|run|cancel> [args]")
		return 2
	}
	client := newAPIClient(addr)

	switch args[0] {
	case "list":
		var plans []json.RawMessage
		if err := client.do(ctx, "GET", "/reboot-plans", nil, &plans); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
			return 1
		}
		return printPlanList(plans)

	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: reboot-plans get <uuid>")
			return 2
		}
		var plan json.RawMessage
		if err := client.do(ctx, "GET", "/reboot-plans/"+args[1], nil, &plan); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
			return 1
		}
		return printRawPretty(plan)

	case "create":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: reboot-plans create <server-uuid> [server-uuid ...] [-concurrency N] [-single-step]")
			return 2
		}
		concurrency := 1
		singleStep := false
		var serverUUIDs []string
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "-concurrency":
				if i+1 < len(args) {
					if n, err := strconv.Atoi(args[i+1]); err == nil {
						concurrency = n
					}
					i++
				}
			case "-single-step":
				singleStep = true
			default:
				serverUUIDs = append(serverUUIDs, args[i])
			}
		}
		body := map[string]interface{}{
			"concurrency":  concurrency,
			"single_step":  singleStep,
			"server_uuids": serverUUIDs,
		}
		var plan json.RawMessage
		if err := client.do(ctx, "POST", "/reboot-plans", body, &plan); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
			return 1
		}
		fmt.Printf("%s reboot plan created\n", statusIcon(true))
		return printRawPretty(plan)

	case "run":
		return transitionPlan(ctx, addr, args, "run")
	case "cancel":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: reboot-plans cancel <uuid>")
			return 2
		}
		var plan json.RawMessage
		if err := client.do(ctx, "DELETE", "/reboot-plans/"+args[1], nil, &plan); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
			return 1
		}
		fmt.Printf("%s reboot plan %s canceled\n", statusIcon(true), args[1])
		return 0

	default:
		fmt.Fprintf(os.Stderr, "unknown reboot-plans subcommand %q\n", args[0])
		return 2
	}
}

func transitionPlan(ctx context.Context, addr string, args []string, action string) int {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: reboot-plans %s <uuid>\n", action)
		return 2
	}
	client := newAPIClient(addr)
	var plan json.RawMessage
	body := map[string]interface{}{"action": action}
	if err := client.do(ctx, "PUT", "/reboot-plans/"+args[1], body, &plan); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", statusIcon(false), err)
		return 1
	}
	fmt.Printf("%s reboot plan %s transitioned to %s\n", statusIcon(true), args[1], action)
	return printRawPretty(plan)
}

func printPlanList(items []json.RawMessage) int {
	for _, item := range items {
		var pretty map[string]interface{}
		if err := json.Unmarshal(item, &pretty); err != nil {
			fmt.Println(string(item))
			continue
		}
		uuid, _ := pretty["uuid"].(string)
		state, _ := pretty["state"].(string)
		fmt.Printf("%-36s  %s\n", uuid, state)
	}
	return 0
}
