package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/KevoDB/rwwee/pkg/eeprom"
	"github.com/KevoDB/rwwee/pkg/nor"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".format"),
	readline.PcItem(".init"),
	readline.PcItem(".deinit"),
	readline.PcItem(".flush"),
	readline.PcItem(".writeback"),
	readline.PcItem(".param"),
	readline.PcItem(".stats"),
	readline.PcItem(".wl"),
	readline.PcItem(".save"),
	readline.PcItem(".load"),
	readline.PcItem(".hex"),
	readline.PcItem(".exit"),
	readline.PcItem("READ"),
	readline.PcItem("WRITE"),
	readline.PcItem("SYNCWRITE"),
	readline.PcItem("FILL"),
)

const helpText = `
rwwee - A wear-leveled EEPROM emulator for read-while-write NOR flash.

Usage:
  rwwee [options] IMAGE     - Open (or create) the flash image IMAGE

Options:
  -format                   - Format the emulated EEPROM before initializing it
  -compact                  - Use the compact geometry when creating a new image
  -server                   - Run in server mode, exposing a gRPC API
  -address string           - Address to listen on in server mode (default "localhost:50061")
  -telemetry                - Enable OpenTelemetry export

Commands (interactive mode only):
  .help                     - Show this help message
  .format                   - Erase and format the emulated EEPROM
  .init                     - Initialize the emulator (rebuilds the mappings)
  .deinit                   - Deinitialize the emulator, dropping cached pages
  .flush                    - Write back cached pages and close the system records
  .writeback                - Write back cached pages
  .param                    - Show the emulated EEPROM parameters
  .stats                    - Show emulator and flash statistics
  .wl [BANK LPA]            - Run wear leveling, or relocate one page
  .save FILE [CODEC]        - Save a flash snapshot (zstd, snappy or none)
  .load FILE                - Load a flash snapshot and reinitialize
  .hex FILE                 - Export the flash image as Intel HEX
  .exit                     - Flush and exit the program

  READ addr len             - Read len bytes at addr and show a hex dump
  WRITE addr text           - Write text at addr (cached)
  SYNCWRITE addr text       - Write text at addr and write back to flash
  FILL addr len byte        - Write len copies of byte at addr

  Addresses and numbers accept 0x prefixes.
`

// shell executes interactive commands against an open image.
type shell struct {
	img *image
	out io.Writer
}

// runInteractive starts the interactive CLI mode
func runInteractive(img *image) {
	fmt.Printf("rwwee version %s\n", version)
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".rwwee_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("rwwee:%s> ", filepath.Base(img.path)),
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		return
	}
	defer rl.Close()

	sh := &shell{img: img, out: os.Stdout}
	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.exec(line) {
			return
		}
	}
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	parts := strings.Fields(line)
	cmd := strings.ToUpper(parts[0])
	eng := sh.img.engine

	var err error
	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Fprint(sh.out, helpText)

		case ".exit":
			fmt.Fprintln(sh.out, "Goodbye!")
			return true

		case ".format":
			eng.Deinit()
			if err = sh.img.format(); err == nil {
				err = eng.Init()
			}
			if err == nil {
				fmt.Fprintln(sh.out, "Formatted")
			}

		case ".init":
			if err = eng.Init(); err == nil {
				fmt.Fprintln(sh.out, "Initialized")
			}

		case ".deinit":
			eng.Deinit()
			fmt.Fprintln(sh.out, "Deinitialized")

		case ".flush":
			if err = eng.Flush(); err == nil {
				fmt.Fprintln(sh.out, "Flushed")
			}

		case ".writeback":
			if err = eng.WriteBack(); err == nil {
				fmt.Fprintln(sh.out, "Written back")
			}

		case ".param":
			p := eng.Param()
			fmt.Fprintf(sh.out, "Total size:     %d bytes\n", p.TotalSize)
			fmt.Fprintf(sh.out, "Page size:      %d bytes\n", p.PageSize)
			fmt.Fprintf(sh.out, "Bank size:      %d bytes\n", p.BankSize)
			fmt.Fprintf(sh.out, "Banks:          %d\n", p.Banks)
			fmt.Fprintf(sh.out, "Hash algorithm: %s\n", p.HashAlgorithm)

		case ".stats":
			sh.printStats()

		case ".wl":
			err = sh.wearLevel(parts[1:])

		case ".save":
			err = sh.save(parts[1:])

		case ".load":
			err = sh.load(parts[1:])

		case ".hex":
			err = sh.exportHex(parts[1:])

		default:
			fmt.Fprintf(sh.out, "Unknown command: %s\n", parts[0])
		}
	} else {
		switch cmd {
		case "READ":
			err = sh.read(parts[1:])
		case "WRITE":
			err = sh.write(line, false)
		case "SYNCWRITE":
			err = sh.write(line, true)
		case "FILL":
			err = sh.fill(parts[1:])
		default:
			fmt.Fprintf(sh.out, "Unknown command: %s\n", parts[0])
		}
	}

	if err != nil {
		fmt.Fprintf(sh.out, "Error: %s (%s)\n", err, eeprom.StatusOf(err))
	}
	return false
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func (sh *shell) read(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: READ addr len")
	}
	addr, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}
	n, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}
	if n > uint64(sh.img.engine.Param().TotalSize) {
		return fmt.Errorf("%w: length %d exceeds the emulated size", eeprom.ErrInvalidArgument, n)
	}

	buf := make([]byte, n)
	if err := sh.img.engine.Read(uint32(addr), buf); err != nil {
		return err
	}
	fmt.Fprint(sh.out, hex.Dump(buf))
	return nil
}

// write stores the raw text that follows the address, spaces included.
func (sh *shell) write(line string, synced bool) error {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return fmt.Errorf("usage: %s addr text", strings.ToUpper(parts[0]))
	}
	addr, err := parseUint(parts[1], 32)
	if err != nil {
		return err
	}

	rest := strings.TrimSpace(line[len(parts[0]):])
	text := strings.TrimSpace(rest[len(parts[1]):])

	if synced {
		err = sh.img.engine.SyncWrite(uint32(addr), []byte(text))
	} else {
		err = sh.img.engine.Write(uint32(addr), []byte(text))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Wrote %d bytes at 0x%x\n", len(text), addr)
	return nil
}

func (sh *shell) fill(args []string) error {
	if len(args) != 3 {
		return errors.New("usage: FILL addr len byte")
	}
	addr, err := parseUint(args[0], 32)
	if err != nil {
		return err
	}
	n, err := parseUint(args[1], 32)
	if err != nil {
		return err
	}
	b, err := parseUint(args[2], 8)
	if err != nil {
		return err
	}
	if n > uint64(sh.img.engine.Param().TotalSize) {
		return fmt.Errorf("%w: length %d exceeds the emulated size", eeprom.ErrInvalidArgument, n)
	}

	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(b)
	}
	if err := sh.img.engine.Write(uint32(addr), buf); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Filled %d bytes at 0x%x with 0x%02x\n", n, addr, b)
	return nil
}

func (sh *shell) wearLevel(args []string) error {
	var (
		moved bool
		err   error
	)
	switch len(args) {
	case 0:
		moved, err = sh.img.engine.WearLevel()
	case 2:
		bank, perr := strconv.Atoi(args[0])
		if perr != nil {
			return fmt.Errorf("invalid bank %q", args[0])
		}
		lpa, perr := strconv.Atoi(args[1])
		if perr != nil {
			return fmt.Errorf("invalid lpa %q", args[1])
		}
		moved, err = sh.img.engine.ForceWearLevel(bank, lpa)
	default:
		return errors.New("usage: .wl [BANK LPA]")
	}
	if err != nil {
		return err
	}
	if moved {
		fmt.Fprintln(sh.out, "Page relocated")
	} else {
		fmt.Fprintln(sh.out, "Nothing to relocate")
	}
	return nil
}

// flushIfInitialized makes the flash image reflect every cached page.
func (sh *shell) flushIfInitialized() error {
	if !sh.img.engine.Initialized() {
		return nil
	}
	return sh.img.engine.Flush()
}

func (sh *shell) save(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: .save FILE [zstd|snappy|none]")
	}
	codec := nor.CodecZstd
	if len(args) == 2 {
		var err error
		if codec, err = nor.ParseCodec(args[1]); err != nil {
			return err
		}
	}
	if err := sh.flushIfInitialized(); err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := nor.SaveSnapshot(f, sh.img.chip, codec); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Snapshot saved to %s (%s)\n", args[0], codec)
	return nil
}

// load replaces the flash contents and reinitializes the emulator, which
// rebuilds its mappings from the loaded image.
func (sh *shell) load(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: .load FILE")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	sh.img.engine.Deinit()
	if err := nor.LoadSnapshot(f, sh.img.chip); err != nil {
		return err
	}
	if err := sh.img.engine.Init(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Snapshot loaded from %s\n", args[0])
	return nil
}

func (sh *shell) exportHex(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: .hex FILE")
	}
	if err := sh.flushIfInitialized(); err != nil {
		return err
	}

	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := nor.ExportHex(f, sh.img.chip, 0); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "Intel HEX written to %s\n", args[0])
	return nil
}

func (sh *shell) printStats() {
	stats := sh.img.engine.GetStats()

	// Helper function to safely get a uint64 value with default
	getUint64 := func(m map[string]interface{}, key string) uint64 {
		switch v := m[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case int:
			return uint64(v)
		case uint32:
			return uint64(v)
		}
		return 0
	}

	fmt.Fprintln(sh.out, "Operations:")
	for _, op := range []string{"read", "write", "sync_write", "write_back", "flush", "format", "init", "wear_level"} {
		fmt.Fprintf(sh.out, "  %-12s %d\n", op+":", getUint64(stats, op+"_ops"))
	}

	fmt.Fprintln(sh.out, "\nStorage:")
	fmt.Fprintf(sh.out, "  Bytes read:      %d\n", getUint64(stats, "total_bytes_read"))
	fmt.Fprintf(sh.out, "  Bytes written:   %d\n", getUint64(stats, "total_bytes_written"))
	fmt.Fprintf(sh.out, "  Sector erases:   %d (failed: %d)\n",
		getUint64(stats, "sector_erases"), getUint64(stats, "sector_erase_failures"))
	fmt.Fprintf(sh.out, "  Bad sectors:     %d\n", getUint64(stats, "bad_sectors"))
	fmt.Fprintf(sh.out, "  Relocations:     %d\n", getUint64(stats, "relocations"))
	fmt.Fprintf(sh.out, "  Checksum ops:    %d\n", getUint64(stats, "checksum_ops"))

	if recovery, ok := stats["recovery"].(map[string]interface{}); ok {
		fmt.Fprintln(sh.out, "\nRecovery:")
		fmt.Fprintf(sh.out, "  Blocks scanned:    %d\n", getUint64(recovery, "blocks_scanned"))
		fmt.Fprintf(sh.out, "  Erases repaired:   %d\n", getUint64(recovery, "erases_repaired"))
		fmt.Fprintf(sh.out, "  Corrupted entries: %d\n", getUint64(recovery, "corrupted_entries"))
		if d, ok := recovery["duration_us"]; ok {
			fmt.Fprintf(sh.out, "  Duration:          %v us\n", d)
		}
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		fmt.Fprintln(sh.out, "\nErrors:")
		for kind, n := range errs {
			fmt.Fprintf(sh.out, "  %s: %d\n", kind, n)
		}
	}

	if banks, ok := stats["banks"].([]map[string]interface{}); ok {
		fmt.Fprintln(sh.out, "\nBanks:")
		for i, b := range banks {
			fmt.Fprintf(sh.out, "  %d: %v (dirty: %v)\n", i, b["state"], b["dirty"])
		}
	}

	cs := sh.img.chip.Stats()
	fmt.Fprintln(sh.out, "\nFlash:")
	fmt.Fprintf(sh.out, "  Reads: %d  Programs: %d  Erases: %d  Failures: %d\n",
		cs.Reads, cs.Programs, cs.Erases, cs.Failures)
	fmt.Fprintf(sh.out, "  Max sector erase count: %d\n", cs.MaxEraseCount)
}
