// Command pmr is the runtime's own CLI: start a server, inspect live
// stats, and trigger a collection cycle, plus an interactive console for
// ad hoc tuning-knob changes (spec.md §6 exit codes, §9 CLI/REPL).
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/pmrhq/pmr/internal/rlog"
	"github.com/pmrhq/pmr/pmr"
	"github.com/pmrhq/pmr/socket"

	_ "github.com/pmrhq/pmr/tls" // registers the "tls" socket provider
)

func main() {
	app := cli.NewApp()
	app.Name = "pmr"
	app.Usage = "portable multithreaded runtime"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a pmr.toml config file"},
	}
	app.Commands = []cli.Command{
		serveCommand,
		statsCommand,
		gcCommand,
		consoleCommand,
	}

	if err := app.Run(os.Args); err != nil {
		rlog.Error("pmr: command failed", "err", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch pmr.KindOf(err) {
	case pmr.KindMemory:
		return pmr.ExitMemoryDepleted
	case pmr.KindNone:
		return pmr.ExitNormal
	default:
		return pmr.ExitAllocatorUnrecover
	}
}

func loadRuntime(c *cli.Context) (*pmr.Runtime, error) {
	cfg, err := pmr.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	return pmr.New(cfg), nil
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the event service loop until interrupted",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "listen", Value: "127.0.0.1:8080", Usage: "ip:port to listen on"},
	},
	Action: func(c *cli.Context) error {
		rt, err := loadRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		ip, portStr := splitListen(c.String("listen"))
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return pmr.NewError("serve", pmr.KindBadArgs, err)
		}
		if _, err := rt.ListenOn("main", ip, port, socket.ListenConfig{}); err != nil {
			return err
		}
		rlog.Info("pmr: serving", "listen", c.String("listen"))

		for {
			rt.ServiceEvents(time.Second, false)
		}
	},
}

var statsCommand = cli.Command{
	Name:  "stats",
	Usage: "print a one-shot memory/worker stats snapshot",
	Action: func(c *cli.Context) error {
		rt, err := loadRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		mstats := rt.GetMemStats()
		wstats := rt.GetWorkerStats()
		fmt.Printf("mem: bytes=%d used=%d regions=%d\n", mstats.Bytes, mstats.Used, mstats.RegionCount)
		fmt.Printf("workers: min=%d max=%d idle=%d busy=%d\n", wstats.Min, wstats.Max, wstats.Idle, wstats.Busy)
		return nil
	},
}

var gcCommand = cli.Command{
	Name:  "gc",
	Usage: "request an immediate, blocking collection cycle",
	Action: func(c *cli.Context) error {
		rt, err := loadRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())
		rt.RequestGC(true)
		fmt.Println("gc: cycle complete")
		return nil
	},
}

var consoleCommand = cli.Command{
	Name:  "console",
	Usage: "interactive REPL for live tuning-knob inspection",
	Action: func(c *cli.Context) error {
		rt, err := loadRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())
		return runConsole(rt)
	},
}

func runConsole(rt *pmr.Runtime) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("pmr> ")
		if err != nil {
			return nil
		}
		line.AppendHistory(input)
		if err := runConsoleCommand(rt, strings.TrimSpace(input)); err != nil {
			fmt.Println(err)
		}
	}
}

func runConsoleCommand(rt *pmr.Runtime, input string) error {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "exit":
		os.Exit(pmr.ExitNormal)
	case "stats":
		fmt.Printf("%+v\n", rt.GetMemStats())
		fmt.Printf("%+v\n", rt.GetWorkerStats())
	case "gc":
		rt.RequestGC(len(fields) > 1 && fields[1] == "now")
		fmt.Println("gc requested")
	case "set":
		return runSetCommand(rt, fields[1:])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}

func runSetCommand(rt *pmr.Runtime, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: set <maxWorkers|minWorkers> <n>")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("set: %w", err)
	}
	switch args[0] {
	case "maxWorkers":
		rt.SetMaxWorkers(n)
	case "minWorkers":
		rt.SetMinWorkers(n)
	default:
		return fmt.Errorf("set: unknown knob %q", args[0])
	}
	return nil
}

func splitListen(s string) (string, string) {
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return "", s
	}
	return s[:idx], s[idx+1:]
}
