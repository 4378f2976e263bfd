// Command glitcher-cli is an interactive console for the glitcher
// device: configure the trigger, arm pulses, run delay-sweep campaigns
// and pull voltage traces.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sync/errgroup"

	"glitcher/host/glitcher"
)

var (
	device       = flag.String("device", "", "serial device path (overrides settings file)")
	settingsFile = flag.String("settings", "glitcher.yml", "campaign settings file")
)

func main() {
	flag.Parse()

	settings := loadSettings(*settingsFile)
	if *device != "" {
		settings.Device = *device
	}

	client := glitcher.NewClient()
	fmt.Printf("Connecting to %s...\n", settings.Device)
	if err := client.Connect(settings.Device); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	version, err := client.GetVersion()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: device did not identify: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Connected: firmware %s, hardware rev %d.%d\n",
		version.Software, version.Major, version.Minor)

	if err := applyTriggerSettings(client, settings); err != nil {
		fmt.Fprintf(os.Stderr, "Error: trigger setup failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Type 'help' for available commands, 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" || args[0] == "q" {
			return
		}
		if err := runCommand(client, settings, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func applyTriggerSettings(c *glitcher.Client, s Settings) error {
	mode, err := triggerMode(s.Trigger.Mode)
	if err != nil {
		return err
	}
	edge := edgeOf(s.Trigger.Edge)
	if err := c.SetTrigger(mode, s.Trigger.Pin, edge); err != nil {
		return err
	}
	switch mode {
	case glitcher.TriggerEdge:
		return c.SetNumberOfEdges(s.Trigger.Edges)
	case glitcher.TriggerUART:
		if err := c.SetBaudrate(s.Trigger.Baud); err != nil {
			return err
		}
		return c.SetPatternMatch(s.Trigger.Pattern)
	case glitcher.TriggerTIO:
		if s.Trigger.DeadNs > 0 {
			ref := glitcher.RefPower
			if s.Trigger.DeadRef == "reset" {
				ref = glitcher.RefReset
			}
			return c.SetDeadZone(s.Trigger.DeadNs, ref, edgeOf(s.Trigger.DeadEdge))
		}
	}
	return nil
}

func triggerMode(name string) (uint32, error) {
	switch name {
	case "tio":
		return glitcher.TriggerTIO, nil
	case "edge":
		return glitcher.TriggerEdge, nil
	case "uart":
		return glitcher.TriggerUART, nil
	}
	return 0, fmt.Errorf("unknown trigger mode %q", name)
}

func edgeOf(name string) uint32 {
	if name == "falling" {
		return glitcher.EdgeFalling
	}
	return glitcher.EdgeRising
}

func runCommand(c *glitcher.Client, s Settings, args []string) error {
	switch args[0] {
	case "help", "?":
		printHelp()
		return nil

	case "version":
		v, err := c.GetVersion()
		if err != nil {
			return err
		}
		fmt.Printf("firmware %s, hardware rev %d.%d\n", v.Software, v.Major, v.Minor)
		return nil

	case "arm":
		delay, length, err := twoUints(args[1:])
		if err != nil {
			return err
		}
		return c.Arm(delay, length)

	case "block":
		timeout := time.Duration(s.Campaign.TimeoutMs) * time.Millisecond
		if len(args) > 1 {
			ms, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			timeout = time.Duration(ms) * time.Millisecond
		}
		err := c.Block(timeout)
		if err == glitcher.ErrGlitchTimeout {
			fmt.Println("timeout: no trigger")
			return nil
		}
		if err == nil {
			fmt.Println("glitch done")
		}
		return err

	case "check":
		glitched, err := c.CheckGlitch()
		if err != nil {
			return err
		}
		fmt.Printf("triggered: %v\n", glitched)
		return nil

	case "hp":
		return c.SetHPGlitch()

	case "lp":
		return c.SetLPGlitch()

	case "mux":
		if len(args) < 2 {
			return fmt.Errorf("usage: mux <voltage>")
		}
		return c.SetMuxVoltage(args[1])

	case "power":
		if len(args) < 2 {
			return fmt.Errorf("usage: power on|off|cycle [ms]")
		}
		switch args[1] {
		case "on":
			return c.EnableVTarget()
		case "off":
			return c.DisableVTarget()
		case "cycle":
			off := time.Duration(s.Campaign.OffMs) * time.Millisecond
			if len(args) > 2 {
				ms, err := strconv.Atoi(args[2])
				if err != nil {
					return err
				}
				off = time.Duration(ms) * time.Millisecond
			}
			return c.PowerCycleTarget(off)
		}
		return fmt.Errorf("unknown power action %q", args[1])

	case "reset":
		hold := 10 * time.Millisecond
		if len(args) > 1 {
			ms, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			hold = time.Duration(ms) * time.Millisecond
		}
		return c.ResetTarget(hold)

	case "adc":
		samples, freq, err := twoUints(args[1:])
		if err != nil {
			return err
		}
		if err := c.ConfigureADC(int(samples), int(freq)); err != nil {
			return err
		}
		return c.ArmADC()

	case "trace":
		timeout := time.Duration(s.Campaign.TimeoutMs) * time.Millisecond
		samples, err := c.ADCRead(timeout)
		if err != nil {
			return err
		}
		fmt.Printf("%d samples\n", len(samples))
		for i, v := range samples {
			fmt.Printf("%d,%d\n", i, v)
		}
		return nil

	case "campaign":
		return runCampaign(c, s)
	}

	return fmt.Errorf("unknown command %q", args[0])
}

func twoUints(args []string) (uint64, uint64, error) {
	if len(args) < 2 {
		return 0, 0, fmt.Errorf("two numeric arguments required")
	}
	a, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// attempt is one campaign data point.
type attempt struct {
	DelayNs   uint64
	Triggered bool
	TimedOut  bool
}

// runCampaign sweeps the glitch delay over the configured range. The
// device interaction and the result log run in separate goroutines so
// a slow disk never stretches the glitch cadence.
func runCampaign(c *glitcher.Client, s Settings) error {
	out, err := os.Create(s.Campaign.Output)
	if err != nil {
		return err
	}
	defer out.Close()

	results := make(chan attempt, 64)
	timeout := time.Duration(s.Campaign.TimeoutMs) * time.Millisecond

	var g errgroup.Group
	g.Go(func() error {
		w := bufio.NewWriter(out)
		defer w.Flush()
		fmt.Fprintln(w, "delay_ns,triggered,timed_out")
		for a := range results {
			fmt.Fprintf(w, "%d,%v,%v\n", a.DelayNs, a.Triggered, a.TimedOut)
		}
		return nil
	})
	g.Go(func() error {
		defer close(results)

		delay := s.Campaign.DelayStartNs
		for i := 0; i < s.Campaign.Attempts; i++ {
			if err := c.Arm(delay, s.Campaign.LengthNs); err != nil {
				return fmt.Errorf("attempt %d: arm: %w", i, err)
			}

			a := attempt{DelayNs: delay}
			err := c.Block(timeout)
			switch {
			case err == glitcher.ErrGlitchTimeout:
				a.TimedOut = true
			case err != nil:
				return fmt.Errorf("attempt %d: block: %w", i, err)
			}
			a.Triggered, err = c.CheckGlitch()
			if err != nil {
				return fmt.Errorf("attempt %d: check: %w", i, err)
			}
			results <- a

			if s.Campaign.PowerCycle || a.TimedOut {
				off := time.Duration(s.Campaign.OffMs) * time.Millisecond
				if err := c.PowerCycleTarget(off); err != nil {
					return fmt.Errorf("attempt %d: power cycle: %w", i, err)
				}
			}

			delay += s.Campaign.DelayStepNs
			if delay > s.Campaign.DelayEndNs {
				delay = s.Campaign.DelayStartNs
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("campaign finished: %d attempts, results in %s\n",
		s.Campaign.Attempts, s.Campaign.Output)
	return nil
}

func printHelp() {
	fmt.Println(`
Commands:
  version                  query firmware and hardware revision
  arm <delay_ns> <len_ns>  arm a single crowbar pulse
  block [timeout_ms]       wait for the armed glitch to complete
  check                    report whether the trigger fired
  hp | lp                  select the high/low power output stage
  mux <voltage>            drive the multiplexer (VCC, 3.3, 1.8, GND)
  power on|off|cycle [ms]  control target power
  reset [hold_ms]          pulse the target reset line
  adc <samples> <freq_hz>  configure and arm the voltage trace
  trace                    read back the captured trace as CSV
  campaign                 run the configured delay sweep
  quit                     exit`)
}
