// Package main provides conject, a batch driver for the conject engine:
// it runs built-in demonstration targets, shrinks their failures and
// stores minimal reproductions in a directory database.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/calvinalkan/conject"

	flag "github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr, os.Args[1:]))
}

func run(out, errOut io.Writer, args []string) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printHelp(out)

		return 0
	}

	switch args[0] {
	case "run":
		return cmdRun(out, errOut, args[1:])
	case "targets":
		return cmdTargets(out)
	case "corpus":
		return cmdCorpus(out, errOut, args[1:])
	case "settings":
		return cmdSettings(out, errOut, args[1:])
	default:
		fmt.Fprintf(errOut, "error: unknown command %q\n", args[0])
		printHelp(errOut)

		return 1
	}
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: conject <command> [flags]

Commands:
  run <target>   Run a built-in target, shrinking and storing any failure
  targets        List the built-in targets
  corpus <target>  Show stored minimal reproductions for a target
  settings       Print the effective settings

Flags for run:
  --settings FILE   JSONC settings file
  --db DIR          Database directory (default .conject)
  --seed N          Fix the random seed
  --debug           Print engine progress to stderr
`)
}

// target is a built-in test function with a stable name used as its
// database key.
type target struct {
	name string
	desc string
	test conject.TestFunc
}

// Demonstration targets. Each fails in a way that exercises a different
// part of the shrinker, and each minimal reproduction is small enough to
// eyeball.
var targets = []target{
	{
		name: "bounded-integer",
		desc: "an integer above a threshold; shrinks to the boundary",
		test: func(d *conject.Data) {
			n := d.DrawInteger(0, 10000)
			if n > 500 {
				d.MarkInteresting("n > 500")
			}
		},
	},
	{
		name: "duplicated-values",
		desc: "two draws that must agree; shrinks them in lockstep",
		test: func(d *conject.Data) {
			a := d.DrawInteger(0, 1<<30)
			b := d.DrawInteger(0, 1<<30)

			if a == b && a >= 1000 {
				d.MarkInteresting("equal and large")
			}
		},
	},
	{
		name: "float-sum",
		desc: "floats summing past a bound; exercises the float codec",
		test: func(d *conject.Data) {
			x := d.DrawFloat()
			y := d.DrawFloat()

			if x == x && y == y && x+y > 1000 {
				d.MarkInteresting("x + y > 1000")
			}
		},
	},
	{
		name: "long-list",
		desc: "a list with too many distinct elements; shrinks the list",
		test: func(d *conject.Data) {
			seen := make(map[int64]struct{})

			elements := conject.NewMany(d, 0, 100, 10)
			for elements.More() {
				seen[d.DrawInteger(0, 255)] = struct{}{}
			}

			if len(seen) >= 5 {
				d.MarkInteresting("5 distinct elements")
			}
		},
	},
}

func findTarget(name string) (target, bool) {
	for _, t := range targets {
		if t.name == name {
			return t, true
		}
	}

	return target{}, false
}

func cmdTargets(out io.Writer) int {
	for _, t := range targets {
		fmt.Fprintf(out, "%-20s %s\n", t.name, t.desc)
	}

	return 0
}

func cmdRun(out, errOut io.Writer, args []string) int {
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	settingsPath := flagSet.String("settings", "", "JSONC settings file")
	dbDir := flagSet.String("db", ".conject", "database directory")
	seed := flagSet.Int64("seed", 0, "random seed (0 = from clock)")
	debug := flagSet.Bool("debug", false, "print engine progress")

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		fmt.Fprintln(errOut, "error:", parseErr)

		return 1
	}

	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "error: run requires exactly one target name")

		return 1
	}

	t, ok := findTarget(flagSet.Arg(0))
	if !ok {
		fmt.Fprintf(errOut, "error: unknown target %q\n", flagSet.Arg(0))

		return 1
	}

	settings := conject.DefaultSettings()

	if *settingsPath != "" {
		loaded, err := conject.LoadSettings(*settingsPath)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)

			return 1
		}

		settings = loaded
	}

	if flagSet.Changed("seed") {
		settings.Seed = *seed
	}

	if *debug {
		settings.DebugWriter = errOut
	}

	settings.Database = conject.NewDirDatabase(*dbDir)
	settings.DatabaseKey = t.name

	runner := conject.NewRunner(t.test, settings)

	err := runner.Run()
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	interesting := runner.Interesting()
	if len(interesting) == 0 {
		fmt.Fprintf(out, "%s: no failures in %d calls (%s)\n", t.name, runner.CallCount(), runner.ExitReason())

		return 0
	}

	origins := make([]string, 0, len(interesting))
	for origin := range interesting {
		origins = append(origins, string(origin))
	}

	sort.Strings(origins)

	for _, origin := range origins {
		result := interesting[conject.Origin(origin)]
		fmt.Fprintf(out, "%s: FAILED: %s\n", t.name, origin)
		fmt.Fprintf(out, "  minimal buffer (%d bytes): %x\n", result.Len(), result.Buffer())
	}

	return 2
}

func cmdCorpus(out, errOut io.Writer, args []string) int {
	flagSet := flag.NewFlagSet("corpus", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	dbDir := flagSet.String("db", ".conject", "database directory")

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		fmt.Fprintln(errOut, "error:", parseErr)

		return 1
	}

	if flagSet.NArg() != 1 {
		fmt.Fprintln(errOut, "error: corpus requires exactly one target name")

		return 1
	}

	name := flagSet.Arg(0)

	db := conject.NewDirDatabase(*dbDir)

	values, err := db.Fetch(name)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	if len(values) == 0 {
		fmt.Fprintf(out, "%s: no stored reproductions\n", name)

		return 0
	}

	sort.Slice(values, func(i, j int) bool {
		if len(values[i]) != len(values[j]) {
			return len(values[i]) < len(values[j])
		}

		return strings.Compare(string(values[i]), string(values[j])) < 0
	})

	for _, v := range values {
		fmt.Fprintf(out, "%d bytes: %x\n", len(v), v)
	}

	return 0
}

func cmdSettings(out, errOut io.Writer, args []string) int {
	flagSet := flag.NewFlagSet("settings", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	settingsPath := flagSet.String("settings", "", "JSONC settings file")

	parseErr := flagSet.Parse(args)
	if parseErr != nil {
		fmt.Fprintln(errOut, "error:", parseErr)

		return 1
	}

	settings := conject.DefaultSettings()

	if *settingsPath != "" {
		loaded, err := conject.LoadSettings(*settingsPath)
		if err != nil {
			fmt.Fprintln(errOut, "error:", err)

			return 1
		}

		settings = loaded
	}

	formatted, err := conject.FormatSettings(settings)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	fmt.Fprintln(out, formatted)

	return 0
}
