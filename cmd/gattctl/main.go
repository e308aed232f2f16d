// gattctl is a command-line exerciser for the host stack: discovery,
// connection, GATT browsing, and pairing against real peripherals.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/term"

	bt "github.com/sgothel/direct-bt-sub002"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

func main() {
	app := cli.NewApp()
	app.Name = "gattctl"
	app.Usage = "talk to Bluetooth LE peripherals over the raw HCI/MGMT sockets"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "verbose stack logging"},
		cli.StringFlag{Name: "keys", Value: defaultKeyPath(), Usage: "SMP key-bin directory"},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "adapters",
			Usage: "list local controllers",
			Action: func(c *cli.Context) error {
				return withManager(c, func(m *bt.Manager) error {
					for _, a := range m.Adapters() {
						state := red.Sprint("off")
						if a.IsPowered() {
							state = green.Sprint("on")
						}
						fmt.Printf("%s  power=%s  settings=%s\n", a.Info, state, a.CurrentSettings())
					}
					return nil
				})
			},
		},
		{
			Name:  "scan",
			Usage: "discover nearby devices",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "for", Value: 10 * time.Second, Usage: "scan duration"},
			},
			Action: func(c *cli.Context) error {
				return withManager(c, func(m *bt.Manager) error {
					a := m.DefaultAdapter()
					if a == nil {
						return fmt.Errorf("no adapter")
					}
					a.AddStatusListener(&bt.AdapterStatusListener{
						DeviceFound: func(d *bt.Device, ts time.Time) bool {
							cyan.Printf("found ")
							fmt.Printf("%s rssi=%d %q\n", d.Addr, d.RSSI, d.GetName())
							return true
						},
					})
					if err := a.StartDiscovery(bt.DiscoveryAlwaysOn); err != nil {
						return err
					}
					defer a.StopDiscovery()
					wait(c.Duration("for"))
					yellow.Printf("%d device(s) discovered\n", len(a.DiscoveredDevices()))
					return nil
				})
			},
		},
		{
			Name:      "services",
			Usage:     "connect and dump the GATT service tree",
			ArgsUsage: "<address>",
			Action: func(c *cli.Context) error {
				return withDevice(c, func(a *bt.Adapter, d *bt.Device) error {
					svcs, err := d.GetGattServices()
					if err != nil {
						return err
					}
					for _, s := range svcs {
						start, end := s.Handles()
						green.Printf("service %s", s.UUID())
						fmt.Printf(" [0x%04x..0x%04x]\n", start, end)
						for _, ch := range s.Characteristics() {
							_, vh := ch.Handles()
							fmt.Printf("  char %s value=0x%04x props=%s\n", ch.UUID(), vh, ch.Properties())
							for _, desc := range ch.Descriptors() {
								fmt.Printf("    desc %s handle=0x%04x\n", desc.UUID(), desc.Handle())
							}
						}
					}
					return nil
				})
			},
		},
		{
			Name:      "read",
			Usage:     "read a characteristic by UUID",
			ArgsUsage: "<address> <char-uuid>",
			Action: func(c *cli.Context) error {
				return withDevice(c, func(a *bt.Adapter, d *bt.Device) error {
					ch, err := findChar(d, c.Args().Get(1))
					if err != nil {
						return err
					}
					value, err := d.Gatt().ReadCharacteristic(ch)
					if err != nil {
						return err
					}
					fmt.Printf("%x  (%q)\n", value, printable(value))
					return nil
				})
			},
		},
		{
			Name:      "notify",
			Usage:     "subscribe to a characteristic and print updates",
			ArgsUsage: "<address> <char-uuid>",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "for", Value: 30 * time.Second, Usage: "listen duration"},
			},
			Action: func(c *cli.Context) error {
				return withDevice(c, func(a *bt.Adapter, d *bt.Device) error {
					ch, err := findChar(d, c.Args().Get(1))
					if err != nil {
						return err
					}
					listener := &bt.CharacteristicListener{
						Char: ch,
						Notified: func(_ *bt.Characteristic, value []byte, indication, _ bool, ts time.Time) {
							kind := "ntf"
							if indication {
								kind = "ind"
							}
							fmt.Printf("%s %s %x\n", ts.Format("15:04:05.000"), kind, value)
						},
					}
					if err := d.AddCharacteristicListener(listener); err != nil {
						return err
					}
					if err := d.Gatt().ConfigureNotifications(ch, true, true); err != nil {
						return err
					}
					wait(c.Duration("for"))
					_ = d.Gatt().ConfigureNotifications(ch, false, false)
					d.RemoveCharacteristicListener(listener)
					return nil
				})
			},
		},
		{
			Name:      "pair",
			Usage:     "connect and pair, answering passkey/comparison prompts",
			ArgsUsage: "<address>",
			Action: func(c *cli.Context) error {
				return withDevice(c, func(a *bt.Adapter, d *bt.Device) error {
					done := make(chan bt.PairingState, 1)
					a.AddStatusListener(&bt.AdapterStatusListener{
						DevicePairingState: func(dd *bt.Device, state bt.PairingState, mode bt.PairingMode, _ time.Time) {
							yellow.Printf("pairing: %s (%s)\n", state, mode)
							switch state {
							case bt.PairingStatePasskeyExpected:
								go answerPasskey(dd)
							case bt.PairingStateNumericCompareExpected:
								go answerComparison(dd)
							case bt.PairingStateCompleted, bt.PairingStateFailed:
								select {
								case done <- state:
								default:
								}
							}
						},
					})
					if err := d.Pair(); err != nil {
						return err
					}
					select {
					case state := <-done:
						if state == bt.PairingStateFailed {
							return fmt.Errorf("pairing failed")
						}
						green.Println("paired")
						return nil
					case <-time.After(60 * time.Second):
						return fmt.Errorf("pairing timed out")
					}
				})
			},
		},
		{
			Name:      "unpair",
			Usage:     "forget a device's bond and keys",
			ArgsUsage: "<address>",
			Action: func(c *cli.Context) error {
				return withDevice(c, func(a *bt.Adapter, d *bt.Device) error {
					return d.Unpair()
				})
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		red.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gattctl-keys"
	}
	return home + "/.gattctl/keys"
}

func withManager(c *cli.Context, fn func(*bt.Manager) error) error {
	m, err := bt.NewManager(bt.ManagerConfig{
		BTMode:  bt.BTModeLE,
		KeyPath: c.GlobalString("keys"),
	})
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}

// withDevice discovers the named address, connects, and waits for the
// device to become ready before handing it to fn.
func withDevice(c *cli.Context, fn func(*bt.Adapter, *bt.Device) error) error {
	addrStr := c.Args().First()
	if addrStr == "" {
		return fmt.Errorf("device address required")
	}
	eui, err := bt.ParseEUI48(addrStr)
	if err != nil {
		return err
	}
	return withManager(c, func(m *bt.Manager) error {
		a := m.DefaultAdapter()
		if a == nil {
			return fmt.Errorf("no adapter")
		}
		target := bt.Address{EUI48: eui, Type: bt.AddrLEPublic}

		ready := make(chan *bt.Device, 1)
		a.AddStatusListener(&bt.AdapterStatusListener{
			DeviceFound: func(d *bt.Device, ts time.Time) bool {
				if d.Addr.EUI48 == eui {
					go d.ConnectDefault()
					return true
				}
				return false
			},
			DeviceReady: func(d *bt.Device, ts time.Time) {
				if d.Addr.EUI48 == eui {
					select {
					case ready <- d:
					default:
					}
				}
			},
		})

		if d := a.FindDevice(target); d != nil && d.IsConnected() {
			return fn(a, d)
		}
		if err := a.StartDiscovery(bt.DiscoveryPauseConnectedUntilReady); err != nil {
			return err
		}
		defer a.StopDiscovery()

		select {
		case d := <-ready:
			defer d.Disconnect()
			return fn(a, d)
		case <-time.After(30 * time.Second):
			return fmt.Errorf("device %s not found/ready within 30s", addrStr)
		}
	})
}

func findChar(d *bt.Device, uuidStr string) (*bt.Characteristic, error) {
	if uuidStr == "" {
		return nil, fmt.Errorf("characteristic UUID required")
	}
	svcs, err := d.GetGattServices()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(uuidStr)
	for _, s := range svcs {
		for _, ch := range s.Characteristics() {
			if strings.Contains(strings.ToLower(ch.UUID().String()), needle) {
				return ch, nil
			}
		}
	}
	return nil, fmt.Errorf("no characteristic matching %q", uuidStr)
}

func answerPasskey(d *bt.Device) {
	fmt.Print("passkey: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		_ = d.SetPairingPasskeyNegative()
		return
	}
	passkey, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		_ = d.SetPairingPasskeyNegative()
		return
	}
	_ = d.SetPairingPasskey(uint32(passkey))
}

func answerComparison(d *bt.Device) {
	fmt.Print("numbers match? [y/N] ")
	var answer string
	fmt.Scanln(&answer)
	_ = d.SetPairingNumericComparison(strings.HasPrefix(strings.ToLower(answer), "y"))
}

func printable(b []byte) string {
	out := make([]rune, 0, len(b))
	for _, c := range b {
		if c >= 0x20 && c < 0x7f {
			out = append(out, rune(c))
		} else {
			out = append(out, '.')
		}
	}
	return string(out)
}

func wait(d time.Duration) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-time.After(d):
	case <-sig:
	}
}
