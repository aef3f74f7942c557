package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrRequiresLink    = errors.New("command requires a connection to the arm")
	ErrInvalidPixel    = errors.New("invalid pixel coordinate")
)

type Argument struct {
	name string
	help string
}

// Env is the state shared by command handlers.
type Env struct {
	conn    connector.Connector
	classes protocol.ClassTable
	out     io.Writer
}

type Handler func(ctx context.Context, env *Env, args map[string]string) error

type Command struct {
	help         string
	requiresLink bool // True if the command talks to the arm
	args         []Argument
	optional     []Argument
	handler      Handler
}

// GetPixel parses a non-negative pixel coordinate.
func GetPixel(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPixel, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %d is negative", ErrInvalidPixel, v)
	}
	return v, nil
}

// GetClassID accepts either a class name from classes or a numeric identifier.
func GetClassID(classes protocol.ClassTable, s string) (int, error) {
	if id, err := strconv.Atoi(s); err == nil {
		if id <= 0 {
			return 0, fmt.Errorf("class id must be positive, got %d", id)
		}
		return id, nil
	}
	name := strings.TrimSpace(s)
	if id, ok := classes[name]; ok {
		return id, nil
	}
	if id, ok := classes[strings.ToLower(name)]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown class '%s'", s)
}

func writeFrame(ctx context.Context, env *Env, frame string) error {
	if len(frame) > protocol.MaxFrameLength {
		return fmt.Errorf("%w: '%s'", protocol.ErrFrameTooLong, frame)
	}
	if err := env.conn.WriteCommand(ctx, frame); err != nil {
		return err
	}
	fmt.Fprintf(env.out, "Sent '%s'\n", frame)
	return nil
}

func shapeFrame(args map[string]string) (string, error) {
	width, err := GetPixel(args["WIDTH"])
	if err != nil {
		return "", err
	}
	height, err := GetPixel(args["HEIGHT"])
	if err != nil {
		return "", err
	}
	if width == 0 || height == 0 {
		return "", fmt.Errorf("%w: crop dimensions must be positive", ErrInvalidPixel)
	}
	return protocol.EncodeShape(width, height), nil
}

func targetFrame(env *Env, args map[string]string) (string, error) {
	cx, err := GetPixel(args["CX"])
	if err != nil {
		return "", err
	}
	cy, err := GetPixel(args["CY"])
	if err != nil {
		return "", err
	}
	classID := protocol.DefaultClassID
	if class, ok := args["CLASS"]; ok {
		if classID, err = GetClassID(env.classes, class); err != nil {
			return "", err
		}
	}
	return protocol.EncodeTarget(cx, cy, classID), nil
}

// waitForIdle prints readiness notifications until the arm reports idle or ctx expires.
func waitForIdle(ctx context.Context, env *Env) error {
	for {
		select {
		case frame, ok := <-env.conn.Receive():
			if !ok {
				return protocol.ErrClosed
			}
			readiness, err := protocol.DecodeReadinessFrame(frame)
			if err != nil {
				continue
			}
			fmt.Fprintf(env.out, "Arm %s (%02x)\n", readiness, frame[0])
			if readiness == protocol.Idle {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Command) Usage(out io.Writer, name string) {
	fmt.Fprintf(out, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(out, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(out, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(out, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(out, " ]")
	}
	fmt.Fprintf(out, "\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Fprintf(out, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Fprintf(out, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func execute(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}
	if info.requiresLink && env.conn == nil {
		return ErrRequiresLink
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, env, keywords)
	}

	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(env.out, args[0])
	}
	return err
}

var commands = map[string]*Command{
	"shape": &Command{
		help:         "Send the frame-size command",
		requiresLink: true,
		args: []Argument{
			Argument{name: "WIDTH", help: "Crop width in pixels"},
			Argument{name: "HEIGHT", help: "Crop height in pixels"},
		},
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			frame, err := shapeFrame(args)
			if err != nil {
				return err
			}
			return writeFrame(ctx, env, frame)
		},
	},
	"target": &Command{
		help:         "Send the target command",
		requiresLink: true,
		args: []Argument{
			Argument{name: "CX", help: "Horizontal centre of the object in pixels"},
			Argument{name: "CY", help: "Vertical centre of the object in pixels"},
		},
		optional: []Argument{
			Argument{name: "CLASS", help: "Class name or numeric id (default 1)"},
		},
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			frame, err := targetFrame(env, args)
			if err != nil {
				return err
			}
			return writeFrame(ctx, env, frame)
		},
	},
	"pick": &Command{
		help:         "Send the frame-size and target commands for one object",
		requiresLink: true,
		args: []Argument{
			Argument{name: "WIDTH", help: "Crop width in pixels"},
			Argument{name: "HEIGHT", help: "Crop height in pixels"},
			Argument{name: "CX", help: "Horizontal centre of the object in pixels"},
			Argument{name: "CY", help: "Vertical centre of the object in pixels"},
		},
		optional: []Argument{
			Argument{name: "CLASS", help: "Class name or numeric id (default 1)"},
		},
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			shape, err := shapeFrame(args)
			if err != nil {
				return err
			}
			target, err := targetFrame(env, args)
			if err != nil {
				return err
			}
			if err := writeFrame(ctx, env, shape); err != nil {
				return err
			}
			return writeFrame(ctx, env, target)
		},
	},
	"raw": &Command{
		help:         "Write an arbitrary frame to the command characteristic",
		requiresLink: true,
		args: []Argument{
			Argument{name: "FRAME", help: "Frame text; quote it if it contains spaces"},
		},
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			return writeFrame(ctx, env, args["FRAME"])
		},
	},
	"status": &Command{
		help:         "Print the link state and any queued status notifications",
		requiresLink: true,
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			fmt.Fprintf(env.out, "Link %s\n", env.conn.State())
			for {
				select {
				case frame, ok := <-env.conn.Receive():
					if !ok {
						return nil
					}
					if readiness, err := protocol.DecodeReadinessFrame(frame); err == nil {
						fmt.Fprintf(env.out, "Arm %s (%02x)\n", readiness, frame[0])
					}
				default:
					return nil
				}
			}
		},
	},
	"wait": &Command{
		help:         "Wait for the arm to report idle",
		requiresLink: true,
		optional: []Argument{
			Argument{name: "TIMEOUT", help: "Maximum time to wait, e.g. 30s (capped by -command-timeout)"},
		},
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			if timeout, ok := args["TIMEOUT"]; ok {
				d, err := time.ParseDuration(timeout)
				if err != nil {
					return fmt.Errorf("%w: %s", ErrCommandLineArgs, err)
				}
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return waitForIdle(ctx, env)
		},
	},
	"classes": &Command{
		help: "List class names and the identifiers sent to the arm",
		handler: func(ctx context.Context, env *Env, args map[string]string) error {
			var names []string
			for name := range env.classes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(env.out, "%-12s %d\n", name, env.classes[name])
			}
			return nil
		},
	},
}
