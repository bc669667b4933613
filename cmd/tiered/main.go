package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tetratelabs/tiered"
	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/adapter"
	"github.com/tetratelabs/tiered/internal/stackwalk"
	"github.com/tetratelabs/tiered/internal/version"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "adapter":
		doAdapter(flag.Args()[1:], stdOut, stdErr, exit)
	case "config":
		doConfig(flag.Args()[1:], stdOut, stdErr, exit)
	case "version":
		fmt.Fprintln(stdOut, version.GetVersion())
		exit(0)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func doAdapter(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("adapter", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var disassemble bool
	flags.BoolVar(&disassemble, "disassemble", true, "print the instructions of the adapter")

	_ = flags.Parse(args)

	if help {
		printAdapterUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing signature")
		printAdapterUsage(stdErr, flags)
		exit(1)
	}

	sig, err := api.ParseSignature(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(stdErr, "invalid signature: %v\n", err)
		exit(1)
	}

	dirs := []adapter.Direction{adapter.DirectionBaselineToOptimized, adapter.DirectionOptimizedToBaseline}
	if flags.NArg() > 1 {
		switch d := flags.Arg(1); d {
		case "b2o":
			dirs = dirs[:1]
		case "o2b":
			dirs = dirs[1:]
		default:
			fmt.Fprintf(stdErr, "invalid direction: %q (want b2o or o2b)\n", d)
			exit(1)
		}
	}

	gen := adapter.NewAMD64Generator()
	for i, dir := range dirs {
		a, err := gen.Generate(sig, dir)
		if err != nil {
			fmt.Fprintf(stdErr, "error generating %s%s: %v\n", dir, sig, err)
			exit(1)
		}
		if i > 0 {
			fmt.Fprintln(stdOut)
		}
		printAdapter(stdOut, a, disassemble)
	}
	exit(0)
}

// Frames are described relative to these, so locations print as "sp+N" or "fp+N".
const (
	describeSP = 0x1000
	describeFP = 0x100000
)

func printAdapter(w io.Writer, a *adapter.Adapter, disassemble bool) {
	fmt.Fprintf(w, "%s (%s)\n", a, adapter.NewAMD64Generator().Arch())
	fmt.Fprintf(w, "code=%d bytes frame=%d bytes pops=%d bytes call=[%#x,%#x)\n",
		len(a.Code), a.FrameSize, a.ArgumentBytes, a.CallOffset, a.CallOffset+a.CallSize)

	if disassemble {
		fmt.Fprintln(w, "instructions:")
		for _, line := range strings.Split(strings.TrimSuffix(a.Disassemble(), "\n"), "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}

	fmt.Fprintln(w, "sub-ranges:")
	for s := adapter.SubRangeEntry; s <= adapter.SubRangeReturn; s++ {
		start, end := a.SubRangeBounds(s)
		f := stackwalk.Frame{IP: uint64(start), SP: describeSP, FP: describeFP}
		body := "-"
		if loc, ok := a.BodyAddressLocation(f); ok {
			body = relative(loc)
		}
		fmt.Fprintf(w, "  %-8s [%#x,%#x) ret=%s body=%s\n", s, start, end, relative(a.ReturnAddressLocation(f)), body)
	}

	fmt.Fprintln(w, "arguments:")
	callerLocs, _ := adapter.Assign(a.Direction.Caller(), a.Signature)
	calleeLocs, _ := adapter.Assign(a.Direction.Callee(), a.Signature)
	for i, k := range a.Signature.Params {
		fmt.Fprintf(w, "  %d %-7s %s -> %s\n", i, k, callerLocs[i], calleeLocs[i])
	}
	fmt.Fprintf(w, "result: %s in %s\n", a.Signature.Result, adapter.ResultRegister(a.Signature.Result))

	slots := a.FrameSize / adapter.SlotSize
	fmt.Fprintf(w, "references: %d of %d slots [%s]\n", a.RootMap.Count(), slots, a.RootMap.Format(slots))
}

func relative(loc uint64) string {
	if loc >= describeFP {
		return fmt.Sprintf("fp+%d", loc-describeFP)
	}
	return fmt.Sprintf("sp+%d", loc-describeSP)
}

func doConfig(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("config", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	_ = flags.Parse(args)

	if help {
		printConfigUsage(stdErr, flags)
		exit(0)
	}

	c, err := tiered.NewRuntimeConfigFromEnv()
	if err != nil {
		fmt.Fprintf(stdErr, "invalid configuration: %v\n", err)
		exit(1)
	}
	fmt.Fprint(stdOut, c)
	exit(0)
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "tiered CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  tiered <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  adapter\tPrints the tier adapters of a signature")
	fmt.Fprintln(stdErr, "  config\tPrints the runtime configuration read from the environment")
	fmt.Fprintln(stdErr, "  version\tDisplays the version of tiered CLI")
}

func printAdapterUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "tiered CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  tiered adapter <options> <signature> [b2o|o2b]")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Signatures look like (int,long,ref)double.")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}

func printConfigUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "tiered CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  tiered config")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Reads TIERED_* environment variables.")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
