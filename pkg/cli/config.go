/*
Package cli facilitates building command-line applications that talk to the arm. It defines a
[Config] type that registers common command-line flags (using the Golang flag package) and their
environment variable equivalents.

# Examples

	config := NewConfig(FlagAll)
	config.RegisterCommandLineFlags() // Adds command-line flags for the arm address, timeouts, etc.
	flag.Parse()
	if err := config.LoadDotEnv(".env"); err != nil {
		panic(err)
	}
	if err := config.ReadFromEnvironment(); err != nil { // Fills in fields not set by flags
		panic(err)
	}

	// Scans for the arm and starts a link session. The session keeps reconnecting until
	// config.Disconnect is called.
	session, err := config.Connect(ctx)
	if err != nil {
		panic(err)
	}
	defer config.Disconnect()
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector/ble"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector/link"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

// Environment variable names used by [Config.ReadFromEnvironment].
const (
	EnvArmAddress        = "ARM_ADDRESS"
	EnvArmHCIDevice      = "ARM_HCI_DEVICE"
	EnvDiscoveryTimeout  = "ARM_DISCOVERY_TIMEOUT"
	EnvReconnectInterval = "ARM_RECONNECT_INTERVAL"
	EnvWriteTimeout      = "ARM_WRITE_TIMEOUT"
	EnvClasses           = "ARM_CLASSES"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagLink    Flag = 1 // Enable arm address, adapter and timeout options.
	FlagClasses Flag = 2 // Enable the class table option.
	FlagAll     Flag = FlagLink | FlagClasses
)

var ErrNotConnected = errors.New("no link session has been started")

// ClassList is a flag.Value holding a class table such as "cube=1,cylinder=2".
type ClassList struct {
	Table protocol.ClassTable
}

func (c *ClassList) Set(value string) error {
	table, err := protocol.ParseClassTable(value)
	if err != nil {
		return err
	}
	c.Table = table
	return nil
}

func (c *ClassList) String() string {
	if c == nil || c.Table == nil {
		return ""
	}
	entries := make([]string, 0, len(c.Table))
	for name, id := range c.Table {
		entries = append(entries, fmt.Sprintf("%s=%d", name, id))
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}

// Config fields determine how to reach the arm.
type Config struct {
	Flags             Flag // Controls which set of environment variables/CLI flags to use.
	Address           string
	HCIDevice         int
	DiscoveryTimeout  time.Duration
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	Classes           ClassList

	adapter connector.Adapter
	session *link.Session
}

func NewConfig(flags Flag) *Config {
	return &Config{
		Flags:             flags,
		Address:           ble.DefaultAddress,
		DiscoveryTimeout:  link.DefaultDiscoveryTimeout,
		ReconnectInterval: link.DefaultReconnectInterval,
		WriteTimeout:      link.DefaultWriteTimeout,
	}
}

func (c *Config) RegisterCommandLineFlags() {
	c.registerFlags(flag.CommandLine)
}

func (c *Config) registerFlags(flags *flag.FlagSet) {
	if c.Flags.isSet(FlagLink) {
		flags.StringVar(&c.Address, "address", ble.DefaultAddress, "Arm Bluetooth `address`. Defaults to $ARM_ADDRESS.")
		flags.IntVar(&c.HCIDevice, "hci", 0, "HCI device `index` of the Bluetooth adapter. Defaults to $ARM_HCI_DEVICE.")
		flags.DurationVar(&c.DiscoveryTimeout, "discovery-timeout", link.DefaultDiscoveryTimeout, "How long to scan for the arm. Defaults to $ARM_DISCOVERY_TIMEOUT.")
		flags.DurationVar(&c.ReconnectInterval, "reconnect-interval", link.DefaultReconnectInterval, "Delay between reconnection attempts. Defaults to $ARM_RECONNECT_INTERVAL.")
		flags.DurationVar(&c.WriteTimeout, "write-timeout", link.DefaultWriteTimeout, "Timeout for each command write. Defaults to $ARM_WRITE_TIMEOUT.")
	}
	if c.Flags.isSet(FlagClasses) {
		flags.Var(&c.Classes, "classes", "Class table as `name=id` pairs separated by commas. Defaults to $ARM_CLASSES.")
	}
}

// LoadDotEnv adds variables from filename to the process environment. Variables that are already
// set are not overwritten, and a missing file is not an error.
func (c *Config) LoadDotEnv(filename string) error {
	if filename == "" {
		return nil
	}
	if err := godotenv.Load(filename); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug("No environment file at %s", filename)
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", filename, err)
	}
	log.Debug("Loaded environment from %s", filename)
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that differ from their
// defaults are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() prevents the environment from overriding explicit
// command-line parameters.
func (c *Config) ReadFromEnvironment() error {
	var err error
	if c.Flags.isSet(FlagLink) {
		if c.Address == ble.DefaultAddress {
			if address, ok := os.LookupEnv(EnvArmAddress); ok && address != "" {
				c.Address = address
				log.Debug("Set arm address to '%s'", c.Address)
			}
		}
		if c.HCIDevice == 0 {
			if device, ok := os.LookupEnv(EnvArmHCIDevice); ok {
				if c.HCIDevice, err = parseHCIDevice(device); err != nil {
					return err
				}
			}
		}
		if err = readDuration(EnvDiscoveryTimeout, link.DefaultDiscoveryTimeout, &c.DiscoveryTimeout); err != nil {
			return err
		}
		if err = readDuration(EnvReconnectInterval, link.DefaultReconnectInterval, &c.ReconnectInterval); err != nil {
			return err
		}
		if err = readDuration(EnvWriteTimeout, link.DefaultWriteTimeout, &c.WriteTimeout); err != nil {
			return err
		}
	}
	if c.Flags.isSet(FlagClasses) && c.Classes.Table == nil {
		if classes, ok := os.LookupEnv(EnvClasses); ok && classes != "" {
			if err := c.Classes.Set(classes); err != nil {
				return fmt.Errorf("invalid %s: %w", EnvClasses, err)
			}
			log.Debug("Set class table to '%s'", c.Classes.String())
		}
	}
	return nil
}

// parseHCIDevice accepts either an index ("0") or an adapter name ("hci0").
func parseHCIDevice(value string) (int, error) {
	index, err := strconv.Atoi(strings.TrimPrefix(value, "hci"))
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid %s: %s", EnvArmHCIDevice, value)
	}
	return index, nil
}

// readDuration reads a Go duration ("5s") or a number of seconds ("5", "0.5") from name, unless
// *value was changed from defaultValue.
func readDuration(name string, defaultValue time.Duration, value *time.Duration) error {
	if *value != defaultValue {
		return nil
	}
	env, ok := os.LookupEnv(name)
	if !ok || env == "" {
		return nil
	}
	d, err := time.ParseDuration(env)
	if err != nil {
		seconds, floatErr := strconv.ParseFloat(env, 64)
		if floatErr != nil {
			return fmt.Errorf("invalid %s: %s", name, env)
		}
		d = time.Duration(seconds * float64(time.Second))
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: %s", name, env)
	}
	*value = d
	log.Debug("Set %s to %s", name, d)
	return nil
}

// SessionOptions returns the link options described by c.
func (c *Config) SessionOptions() []link.Option {
	return []link.Option{
		link.WithDiscoveryTimeout(c.DiscoveryTimeout),
		link.WithReconnectInterval(c.ReconnectInterval),
		link.WithWriteTimeout(c.WriteTimeout),
	}
}

// Connect opens the Bluetooth adapter, scans for the arm and starts a link session. The link
// itself comes up asynchronously.
func (c *Config) Connect(ctx context.Context) (*link.Session, error) {
	adapter, err := ble.NewAdapter(c.HCIDevice)
	if err != nil {
		return nil, fmt.Errorf("failed to open Bluetooth adapter hci%d: %w", c.HCIDevice, err)
	}
	session, err := c.ConnectWith(ctx, adapter)
	if err != nil {
		adapter.Close()
		return nil, err
	}
	c.adapter = adapter
	return session, nil
}

// ConnectWith starts a link session over adapter.
func (c *Config) ConnectWith(ctx context.Context, adapter connector.Adapter) (*link.Session, error) {
	uuids := link.UUIDs{
		Service: ble.ArmServiceUUID,
		Command: ble.CommandUUID,
		Status:  ble.StatusUUID,
	}
	session := link.New(adapter, c.Address, uuids, c.SessionOptions()...)
	if err := session.Start(ctx); err != nil {
		session.Close()
		return nil, err
	}
	c.session = session
	return session, nil
}

// Disconnect closes the link session and the adapter opened by Connect.
func (c *Config) Disconnect() error {
	if c.session == nil {
		return ErrNotConnected
	}
	c.session.Close()
	c.session = nil
	if c.adapter != nil {
		err := c.adapter.Close()
		c.adapter = nil
		return err
	}
	return nil
}
