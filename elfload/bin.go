package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	. "github.com/ZenLiuCN/elfloader"
	"github.com/ZenLiuCN/elfloader/pool"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

func main() {
	app := cli.NewApp()
	app.Usage = "ELF32 ARM module loader"
	app.Name = "elfload"
	app.Description = "inspect relocatable ARM modules, check them against a host export table and dry-run their load cycle"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
	}
	exports := &cli.StringSliceFlag{Name: "export", Aliases: []string{"e"}, Usage: "host symbol as name=address, repeatable"}
	app.Commands = []*cli.Command{
		{Name: "inspect",
			Action: inspect,
			Usage:  "display sections, symbols and relocations of modules",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump the raw inspection"},
			},
			Args: true,
		},
		{Name: "missing",
			Action: missing,
			Usage:  "list undefined symbols the exports don't satisfy",
			Flags:  []cli.Flag{exports},
			Args:   true,
		},
		{Name: "run",
			Action: run,
			Usage:  "load, link and run modules in a pool with a tracing trampoline",
			Flags:  []cli.Flag{exports},
			Args:   true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func config(ctx *cli.Context) Config {
	c := ConfigFromEnv()
	if ctx.Bool("debug") {
		c.Debug = true
	}
	return c
}

func parseExports(v []string) (e Exports, err error) {
	for _, s := range v {
		name, addr, ok := strings.Cut(s, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("export %q: want name=address", s)
		}
		var a uint64
		if a, err = strconv.ParseUint(addr, 0, 32); err != nil {
			return nil, fmt.Errorf("export %q: %w", s, err)
		}
		e = append(e, Export{Name: name, Addr: uint32(a)})
	}
	return
}

func inspect(ctx *cli.Context) (err error) {
	l := &Loader{Opener: OpenFile, Config: config(ctx)}
	for _, s := range ctx.Args().Slice() {
		var v *Info
		if v, err = l.Inspect(s); err != nil {
			return
		}
		switch {
		case ctx.Bool("dump"):
			spew.Fdump(os.Stdout, v)
		case term.IsTerminal(int(os.Stdout.Fd())):
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			if err = v.Table(w); err != nil {
				return
			}
			if err = w.Flush(); err != nil {
				return
			}
		default:
			fmt.Print(v.String())
		}
	}
	return
}

func missing(ctx *cli.Context) (err error) {
	var e Exports
	if e, err = parseExports(ctx.StringSlice("export")); err != nil {
		return
	}
	l := &Loader{Opener: OpenFile, Config: config(ctx)}
	failed := 0
	for _, s := range ctx.Args().Slice() {
		var v *Info
		if v, err = l.Inspect(s); err != nil {
			return
		}
		m := v.Missing(e)
		for _, name := range m {
			fmt.Printf("%s: %s\n", s, name)
		}
		for _, r := range v.Unsupported() {
			fmt.Printf("%s: %s at %s+0x%x\n", s, r.Type, r.Section, r.Off)
			failed++
		}
		failed += len(m)
	}
	if failed > 0 {
		return fmt.Errorf("%d unresolved symbols or unsupported relocations", failed)
	}
	return
}

func run(ctx *cli.Context) (err error) {
	var e Exports
	if e, err = parseExports(ctx.StringSlice("export")); err != nil {
		return
	}
	var layout pool.Layout
	if layout, err = pool.LayoutFromEnv(); err != nil {
		return
	}
	var p *pool.Pool
	if p, err = pool.New(layout); err != nil {
		return
	}
	defer fn.IgnoreClose(p)
	d := ctx.Bool("debug")
	// nothing here executes ARM code: every call is traced and returns at once
	trace := TrampolineFunc(func(addr, stack uint32) error {
		word, err := p.Slice(addr&^1, 4)
		if err != nil {
			return err
		}
		log.Printf("call 0x%08x stack=%d first=% x", addr, stack, word)
		return nil
	})
	l := NewLoader(p, trace, config(ctx))
	for _, s := range ctx.Args().Slice() {
		if err = l.LoadAndRun(s, e); err != nil {
			return
		}
		if d {
			code, data := p.Available()
			log.Printf("%s done, %d blocks live, %d code and %d data bytes free", s, p.InUse(), code, data)
		}
	}
	return
}
