package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/spf13/cobra"
	"github.com/zboralski/arcross/internal/dispatch"
	"github.com/zboralski/arcross/internal/isa"
	"github.com/zboralski/arcross/internal/loader"
	glog "github.com/zboralski/arcross/internal/log"
	"github.com/zboralski/arcross/internal/trace"
	"github.com/zboralski/arcross/internal/translator"
	"github.com/zboralski/arcross/internal/ui/colorize"
)

var (
	verbose    bool
	quiet      bool
	cacheDir   string
	configPath string
	entryFlag  string
	useUnicorn bool
	maxInsn    int
)

// demoProgram is the built-in guest used when no binary is given:
// NOP, MOV, ADD, SUB, MOVAPS, RET.
var demoProgram = []byte{
	0x90,
	0x89, 0xC3,
	0x01, 0xC3,
	0x29, 0xD8,
	0x0F, 0x28, 0xC1,
	0xC3,
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "arcross [guest.bin]",
		Short: "Translate and run x86-64 code on AArch64",
		Long: `Arcross is a dynamic binary translator: it decodes x86-64 guest code a
basic block at a time, emits equivalent AArch64 host code through a loaded
rule table, and reuses translations through a two-tier cache.

Tier 1 is an in-memory LRU with hotness-aware eviction; tier 2 is one
persistent cache file per binary, written asynchronously and pruned by a
background housekeeping pass. A signature store recognises recurring code
shapes (function prologues, short loops) with wildcard-masked fuzzy
matching.

With no argument a built-in demo program is translated and run.

Examples:
  arcross program.bin            # Translate and run with colorized trace
  arcross program.bin -q         # Quiet mode - stats only
  arcross --entry 0x4010 p.bin   # Override the guest entry point
  arcross info program.bin       # Decode blocks and show the translation`,
		Args:                  cobra.MaximumNArgs(1),
		DisableFlagsInUseLine: true,
		RunE:                  runTranslate,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (stats only)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "translation cache directory (default ./cache)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "arcross.yaml", "config file")
	rootCmd.Flags().StringVar(&entryFlag, "entry", "", "guest entry point override (hex)")
	rootCmd.Flags().BoolVar(&useUnicorn, "unicorn", false, "dispatch emitted code through Unicorn")

	infoCmd := &cobra.Command{
		Use:   "info <guest.bin>",
		Short: "Decode a guest image and show its block translation",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	infoCmd.Flags().IntVarP(&maxInsn, "num", "n", 500, "max instructions to show")
	rootCmd.AddCommand(infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadGuest(args []string) (code []byte, entry uint64, name string, err error) {
	if len(args) == 0 {
		return demoProgram, 0x1000, "demo", nil
	}

	img, err := loader.Load(args[0])
	if err != nil {
		return nil, 0, "", err
	}
	entry = img.Entry
	if entryFlag != "" {
		entry, err = strconv.ParseUint(strings.TrimPrefix(entryFlag, "0x"), 16, 64)
		if err != nil {
			return nil, 0, "", fmt.Errorf("bad --entry value %q: %w", entryFlag, err)
		}
	}
	return img.Code, entry, filepath.Base(img.Path), nil
}

func runTranslate(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	cfg := translator.LoadConfig(configPath, glog.L)
	if cacheDir != "" {
		cfg.CacheDir = cacheDir
	}

	code, entry, name, err := loadGuest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		return err
	}

	if !quiet {
		glog.L.SetOnTrace(func(addr uint64, category, detail string) {
			e := trace.NewEvent(addr, category, detail)
			trace.DefaultEnricher(e)
			fmt.Printf("%s  %s %s\n",
				colorize.Address(addr),
				colorize.Tag(strings.Join(e.Tags.Strings(), " ")),
				colorize.Detail(detail))
		})
	}

	var disp dispatch.Dispatcher
	if useUnicorn {
		u, err := dispatch.NewUnicorn(glog.L)
		if err != nil {
			fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
			return err
		}
		defer u.Close()
		disp = u
	}

	tr := translator.New(cfg, disp, glog.L)
	defer tr.Close()

	if !quiet {
		fmt.Printf("\n%s arcross ─ x86-64 to AArch64 dynamic translator\n", colorize.Header("▶"))
		fmt.Printf("  %s %s  %s %s  %s %d bytes\n\n",
			colorize.Detail("Guest:"), name,
			colorize.Detail("Entry:"), colorize.Address(entry),
			colorize.Detail("Size:"), len(code))
	}

	if err := tr.LoadBinary(code, entry); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		return err
	}

	runErr := tr.Run(entry, uint64(len(code)))
	hot := tr.OptimizeHotBlocks()
	printStats(tr, name, hot, runErr)
	return runErr
}

func printStats(tr *translator.Translator, name string, hot []translator.HotBlock, runErr error) {
	report := tr.Stats()

	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s blocks  %s l1  %s l2  %s miss",
		colorize.Header(fmt.Sprintf("%d", report.ExecutionStats.Blocks.Dispatched)),
		colorize.Detail(fmt.Sprintf("%d", report.ExecutionStats.Cache.L1Hits)),
		colorize.Detail(fmt.Sprintf("%d", report.ExecutionStats.Cache.L2Hits)),
		colorize.Detail(fmt.Sprintf("%d", report.ExecutionStats.Cache.Misses)))
	if len(hot) > 0 {
		fmt.Printf("  %s hot", colorize.Tag(fmt.Sprintf("%d", len(hot))))
	}
	if runErr != nil {
		fmt.Printf("  %s", colorize.Error(runErr.Error()))
	}
	fmt.Println()

	if quiet {
		fmt.Printf("%s  %d blocks  %d signatures\n",
			name,
			report.ExecutionStats.Blocks.Dispatched,
			report.ExecutionStats.Signatures.Total)
	}
}

func showInfo(cmd *cobra.Command, args []string) error {
	glog.Init(verbose)

	code, entry, name, err := loadGuest(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		return err
	}

	cfg := translator.LoadConfig(configPath, glog.L)
	table := isa.LoadTable(cfg.DefsDir, glog.L)

	fmt.Printf("\n%s %s  %s %s  %s %d bytes\n\n",
		colorize.Header("▶"), name,
		colorize.Detail("Entry:"), colorize.Address(entry),
		colorize.Detail("Size:"), len(code))

	shown := 0
	for offset := 0; offset < len(code) && shown < maxInsn; {
		blockLen := table.ScanBlock(code[offset:])
		if blockLen == 0 {
			break
		}
		guestBlock := code[offset : offset+blockLen]

		fmt.Printf("%s %s\n",
			colorize.Border("block"),
			colorize.Address(entry+uint64(offset)))

		at := 0
		for at < blockLen && shown < maxInsn {
			inst := table.Decode(guestBlock, at)
			if inst.Length == 0 {
				break
			}
			raw := guestBlock[at : at+inst.Length]
			fmt.Printf("  %s  %-20s %s\n",
				colorize.Address(entry+uint64(offset+at)),
				colorize.HexBytes(fmt.Sprintf("% X", raw)),
				colorize.Comment(table.Mnemonic(inst.Opcode)))

			for _, w := range table.Translate(inst) {
				wordBytes := []byte{byte(w), byte(w >> 8), byte(w >> 16), byte(w >> 24)}
				fmt.Printf("      %s  %s\n",
					colorize.HexBytes(fmt.Sprintf("%08X", w)),
					colorize.Instruction(disasm(wordBytes)))
			}

			at += inst.Length
			shown++
		}

		offset += blockLen
	}

	return nil
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}
