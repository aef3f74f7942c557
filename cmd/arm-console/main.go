package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/cli"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Commands are written directly to the arm over BLE, bypassing the dispatcher.
 * Without a COMMAND, commands are read from standard input.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] [COMMAND [ARG...]]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(env *Env, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, env, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else if errors.Is(err, protocol.ErrNotConnected) {
			writeErr("The arm is not connected; the link is retrying in the background")
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(env *Env, timeout time.Duration) int {
	prompt := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompt = func() { fmt.Printf("> ") }
	}
	scanner := bufio.NewScanner(os.Stdin)
	for prompt(); scanner.Scan(); prompt() {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			printHelp(args[1:])
			continue
		}
		runCommand(env, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func printHelp(args []string) bool {
	if len(args) == 0 {
		Usage()
		return true
	}
	info, ok := commands[args[0]]
	if !ok {
		writeErr("Unrecognized command: %s", args[0])
		return false
	}
	info.Usage(os.Stdout, args[0])
	return true
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		envFile        string
		commandTimeout time.Duration
		connTimeout    time.Duration
	)
	config := cli.NewConfig(cli.FlagAll)
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.StringVar(&envFile, "env-file", ".env", "Load environment variables from `file` if it exists")
	flag.DurationVar(&commandTimeout, "command-timeout", 5*time.Second, "Set timeout for commands sent to the arm.")
	flag.DurationVar(&connTimeout, "connect-timeout", 20*time.Second, "Set timeout for establishing initial connection.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if err := config.LoadDotEnv(envFile); err != nil {
		writeErr("Error loading %s: %s", envFile, err)
		return
	}
	if !debug {
		if debugEnv, ok := os.LookupEnv("ARM_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	if err := config.ReadFromEnvironment(); err != nil {
		writeErr("Invalid configuration: %s", err)
		return
	}

	env := &Env{classes: config.Classes.Table, out: os.Stdout}
	if env.classes == nil {
		env.classes = protocol.DefaultClassTable
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if printHelp(args[1:]) {
				status = 0
			}
			return
		}
		info, ok := commands[args[0]]
		if !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
		if !info.requiresLink {
			status = runCommand(env, args, commandTimeout)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()

	session, err := config.Connect(ctx)
	if err != nil {
		writeErr("Error: %s", err)
		// Error isn't wrapped so we have to check for a substring explicitly.
		if strings.Contains(err.Error(), "operation not permitted") {
			// go-ble calls HCIDEVDOWN on the adapter before taking it over.
			writeErr("\nTry again after granting this application CAP_NET_ADMIN:\n\n\tsudo setcap 'cap_net_admin=eip' \"$(which %s)\"\n", os.Args[0])
		}
		return
	}
	defer config.Disconnect()
	env.conn = session

	for !session.Connected() {
		select {
		case <-ctx.Done():
			writeErr("Error: timed out connecting to arm %s", config.Address)
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	if len(args) > 0 {
		status = runCommand(env, args, commandTimeout)
	} else {
		status = runInteractiveShell(env, commandTimeout)
	}
}
