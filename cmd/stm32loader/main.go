package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Benedict-Carling/FluidTerm2/internal/detect"
	"github.com/Benedict-Carling/FluidTerm2/internal/device"
	"github.com/Benedict-Carling/FluidTerm2/internal/flasher"
	"github.com/Benedict-Carling/FluidTerm2/internal/image"
	"github.com/Benedict-Carling/FluidTerm2/internal/protocol"
	"github.com/Benedict-Carling/FluidTerm2/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag    string
	uartFlag    string
	baudFlag    int
	modeFlag    string
	noInitFlag  bool
	rxFrameFlag int
	txFrameFlag int
	resetFlag   bool
	execFlag    string

	verifyFlag    bool
	retryFlag     int
	binaryFlag    bool
	addressFlag   string
	lengthFlag    uint32
	startPageFlag int
	pagesFlag     int
	readoutFlag   bool
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	rootCmd := &cobra.Command{
		Use:   "stm32loader",
		Short: "Flash STM32 devices through the system bootloader",
		Long: `stm32loader talks to the factory bootloader of STM32 microcontrollers
over a serial link, directly or bridged through a FluidNC controller's
uart passthrough, to write, read, erase and checksum flash memory.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&portFlag, "port", "p", "", "Serial device (e.g. /dev/ttyUSB0)")
	pf.StringVar(&uartFlag, "uart", "", "FluidNC uart to bridge into (e.g. uart2); empty for a direct connection")
	pf.IntVarP(&baudFlag, "baud", "b", 115200, "Baud rate")
	pf.StringVarP(&modeFlag, "mode", "m", "8e1", "Serial mode (data bits, parity, stop bits)")
	pf.BoolVarP(&noInitFlag, "no-init", "c", false, "Resume the connection without the init byte (keep the baud rate of the first init)")
	pf.IntVar(&rxFrameFlag, "frame-rx", 0, "Max RX frame length (0 = protocol maximum)")
	pf.IntVar(&txFrameFlag, "frame-tx", 0, "Max TX frame length (0 = protocol maximum)")
	pf.BoolVarP(&resetFlag, "reset", "R", false, "Reset the device when the action completes")
	pf.StringVarP(&execFlag, "execute", "g", "", "Start execution at the given address after the action (0 = flash start)")

	writeCmd := &cobra.Command{
		Use:   "write <image>",
		Short: "Write an image file (Intel HEX or raw binary) to the device",
		Args:  cobra.ExactArgs(1),
		RunE:  runWrite,
	}
	writeCmd.Flags().BoolVarP(&verifyFlag, "verify", "v", false, "Read back and verify every written chunk")
	writeCmd.Flags().IntVarP(&retryFlag, "retry", "n", 10, "Rewrite a chunk failing verification up to this many times")
	writeCmd.Flags().BoolVarP(&binaryFlag, "binary", "f", false, "Force the raw binary parser (skip the Intel HEX attempt)")
	addRangeFlags(writeCmd)

	readCmd := &cobra.Command{
		Use:   "read <file>",
		Short: "Read device memory to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}
	addRangeFlags(readCmd)

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash pages (whole flash by default)",
		Args:  cobra.NoArgs,
		RunE:  runErase,
	}
	addRangeFlags(eraseCmd)

	crcCmd := &cobra.Command{
		Use:   "crc",
		Short: "Compute the CRC of flash content",
		Args:  cobra.NoArgs,
		RunE:  runCrc,
	}
	addRangeFlags(crcCmd)

	unprotectCmd := &cobra.Command{
		Use:   "unprotect",
		Short: "Disable flash write protection (or readout protection with --readout)",
		Args:  cobra.NoArgs,
		RunE:  runUnprotect,
	}
	unprotectCmd.Flags().BoolVar(&readoutFlag, "readout", false, "Disable readout protection instead (mass-erases the flash)")

	protectCmd := &cobra.Command{
		Use:   "protect",
		Short: "Enable flash readout protection",
		Args:  cobra.NoArgs,
		RunE:  runProtect,
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show bootloader and device information (scans all ports without --port)",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List serial ports and supported devices",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stm32loader %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(writeCmd, readCmd, eraseCmd, crcCmd, unprotectCmd, protectCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&addressFlag, "address", "S", "", "Start address (hex or decimal)")
	cmd.Flags().Uint32Var(&lengthFlag, "length", 0, "Byte length, combined with --address")
	cmd.Flags().IntVarP(&startPageFlag, "start-page", "s", 0, "First flash page (0 = flash start)")
	cmd.Flags().IntVarP(&pagesFlag, "pages", "e", 0, "Page count (0 with the flag set = skip erase)")
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}

func rangeSpec(cmd *cobra.Command) (flasher.RangeSpec, error) {
	var spec flasher.RangeSpec
	if addressFlag != "" {
		addr, err := parseAddr(addressFlag)
		if err != nil {
			return spec, err
		}
		spec.Address = addr
	}
	spec.Length = lengthFlag
	spec.StartPage = startPageFlag
	spec.Pages = pagesFlag
	if cmd.Flags().Changed("pages") && pagesFlag == 0 {
		spec.NoErase = true
	}
	return spec, nil
}

func openPort() (*serial.UARTPort, error) {
	if portFlag == "" {
		return nil, fmt.Errorf("no serial port specified (use --port; 'info' without --port scans)")
	}
	return serial.Open(serial.Options{
		Device:      portFlag,
		Passthrough: uartFlag,
		BaudRate:    baudFlag,
		Mode:        modeFlag,
		RxFrameMax:  rxFrameFlag,
		TxFrameMax:  txFrameFlag,
	})
}

func connect(port serial.Port) (*protocol.Session, error) {
	var opts []protocol.Option
	if noInitFlag {
		opts = append(opts, protocol.WithoutInit())
	}
	sess, err := protocol.Connect(port, opts...)
	if err != nil {
		return nil, err
	}
	printBanner(sess, port)
	return sess, nil
}

func newPlanner(sess *protocol.Session, port *serial.UARTPort) *flasher.Planner {
	return flasher.New(sess,
		flasher.WithFrameLimits(port.RxFrameMax(), port.TxFrameMax()),
		flasher.WithRetry(retryFlag))
}

func printBanner(sess *protocol.Session, port serial.Port) {
	dev := sess.Device
	fmt.Printf("Interface    : %s\n", port.ConfigString())
	fmt.Printf("Version      : 0x%02x\n", sess.Version)
	if port.Flags()&serial.FlagGVRExtra != 0 {
		fmt.Printf("Option 1     : 0x%02x\n", sess.Option1)
		fmt.Printf("Option 2     : 0x%02x\n", sess.Option2)
	}
	fmt.Printf("Device ID    : 0x%04x (%s)\n", sess.PID, dev.Name)
	fmt.Printf("- RAM        : Up to %dKiB (%db reserved by bootloader)\n",
		(dev.RAMEnd-0x20000000)/1024, dev.RAMStart-0x20000000)
	fmt.Printf("- Flash      : Up to %dKiB (size first sector: %dx%d)\n",
		(dev.FlashEnd-dev.FlashStart)/1024, dev.PagesPerSector, dev.PageSizes[0])
	fmt.Printf("- Option RAM : %db\n", dev.OptEnd-dev.OptStart+1)
	fmt.Printf("- System RAM : %dKiB\n", (dev.MemEnd-dev.MemStart)/1024)
}

// finish runs the optional post-action execute and reset steps.
// selfResets marks actions after which the device reboots on its own;
// the reset sequence is suppressed for those, and after a successful
// jump into application code.
func finish(plan *flasher.Planner, selfResets bool) error {
	resetPending := resetFlag && !selfResets

	if execFlag != "" {
		addr, err := parseAddr(execFlag)
		if err != nil {
			return err
		}
		if addr%4 != 0 {
			return fmt.Errorf("execution address must be word-aligned")
		}
		fmt.Println("Starting execution...")
		if err := plan.Execute(addr); err != nil {
			return fmt.Errorf("failed to start execution: %w", err)
		}
		resetPending = false
	}

	if resetPending {
		fmt.Println("Resetting device...")
		if err := plan.Reset(); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}
	return nil
}

func newBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)
}

func runWrite(cmd *cobra.Command, args []string) error {
	src, err := image.Open(args[0], binaryFlag)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer src.Close()
	fmt.Printf("Using parser : %s (%d bytes)\n", src.Name(), src.Size())

	spec, err := rangeSpec(cmd)
	if err != nil {
		return err
	}
	// An Intel HEX image knows its own load address; use it unless the
	// caller gave explicit addressing.
	if hexSrc, ok := src.(*image.HexSource); ok &&
		spec.Address == 0 && spec.Length == 0 && spec.StartPage == 0 && spec.Pages == 0 {
		spec.Address = hexSrc.StartAddress()
		fmt.Printf("Load address : 0x%08x (from image)\n", spec.Address)
	}

	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}

	plan := newPlanner(sess, port)
	r, err := plan.Resolve(spec)
	if err != nil {
		return err
	}

	bar := newBar(src.Size(), "Writing")
	plan.SetProgressCallback(func(done, total int) { bar.Set(done) })
	if err := plan.Write(context.Background(), r, src, verifyFlag); err != nil {
		return err
	}
	bar.Finish()
	fmt.Println("Write complete.")

	return finish(plan, false)
}

func runRead(cmd *cobra.Command, args []string) error {
	spec, err := rangeSpec(cmd)
	if err != nil {
		return err
	}

	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}

	plan := newPlanner(sess, port)
	r, err := plan.Resolve(spec)
	if err != nil {
		return err
	}

	sink, err := image.CreateBinary(args[0])
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer sink.Close()

	bar := newBar(int(r.End-r.Start), "Reading")
	plan.SetProgressCallback(func(done, total int) { bar.Set(done) })
	if err := plan.Read(context.Background(), r, sink); err != nil {
		return err
	}
	bar.Finish()
	fmt.Println("Read complete.")

	return finish(plan, false)
}

func runErase(cmd *cobra.Command, args []string) error {
	spec, err := rangeSpec(cmd)
	if err != nil {
		return err
	}

	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}

	plan := newPlanner(sess, port)
	r, err := plan.Resolve(spec)
	if err != nil {
		return err
	}

	fmt.Println("Erasing flash...")
	if err := plan.EraseOnly(r); err != nil {
		return fmt.Errorf("failed to erase memory: %w", err)
	}
	fmt.Println("Erase complete.")

	return finish(plan, false)
}

func runCrc(cmd *cobra.Command, args []string) error {
	spec, err := rangeSpec(cmd)
	if err != nil {
		return err
	}

	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}

	plan := newPlanner(sess, port)
	r, err := plan.Resolve(spec)
	if err != nil {
		return err
	}

	crc, err := plan.Checksum(context.Background(), r)
	if err != nil {
		return fmt.Errorf("failed to compute CRC: %w", err)
	}
	fmt.Printf("CRC(0x%08x-0x%08x) = 0x%08x\n", r.Start, r.End, crc)

	return finish(plan, false)
}

func runUnprotect(cmd *cobra.Command, args []string) error {
	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}
	plan := newPlanner(sess, port)

	// The device resets itself after acknowledging these commands; no
	// confirmation is read back and the reset sequence is skipped.
	if readoutFlag {
		fmt.Println("Read-unprotecting flash (this mass-erases the flash)...")
		if err := plan.ReadoutUnprotect(); err != nil {
			return fmt.Errorf("failed to read-unprotect flash: %w", err)
		}
	} else {
		fmt.Println("Write-unprotecting flash...")
		if err := plan.WriteUnprotect(); err != nil {
			return fmt.Errorf("failed to write-unprotect flash: %w", err)
		}
	}
	fmt.Println("Done.")

	return finish(plan, true)
}

func runProtect(cmd *cobra.Command, args []string) error {
	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}
	plan := newPlanner(sess, port)

	fmt.Println("Read-protecting flash...")
	if err := plan.ReadoutProtect(); err != nil {
		return fmt.Errorf("failed to read-protect flash: %w", err)
	}
	fmt.Println("Done.")

	return finish(plan, true)
}

func runInfo(cmd *cobra.Command, args []string) error {
	if portFlag == "" {
		fmt.Println("Scanning for STM32 bootloaders...")
		results, err := detect.Scan(baudFlag, modeFlag)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No bootloader found")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s: %s (PID 0x%04x, bootloader 0x%02x)\n", r.Port, r.Name, r.PID, r.Version)
		}
		return nil
	}

	port, err := openPort()
	if err != nil {
		return err
	}
	defer port.Close()

	sess, err := connect(port)
	if err != nil {
		return err
	}

	return finish(newPlanner(sess, port), false)
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
	} else {
		fmt.Println("Available serial ports:")
		for _, p := range ports {
			fmt.Printf("  %s\n", p)
		}
	}

	fmt.Println("\nSupported devices:")
	for _, d := range device.All() {
		fmt.Printf("  0x%04x  %s\n", d.ID, d.Name)
	}
	return nil
}
