// CinderVM: bytecode execution engine with a sandboxed JIT compiler.
//
// This is the command-line front end. It parses a .cinder program and
// either compiles it to native code and runs it (exec), runs it through
// the reference interpreter (debug), or prints the bytecode listing and
// the generated machine code (disasm).
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/7avi/CinderVM/internal/types"
	"github.com/7avi/CinderVM/pkg/asm"
	"github.com/7avi/CinderVM/pkg/bytecode"
	"github.com/7avi/CinderVM/pkg/codecache"
	"github.com/7avi/CinderVM/pkg/interp"
	"github.com/7avi/CinderVM/pkg/jit"
	"github.com/7avi/CinderVM/pkg/native"
	"github.com/7avi/CinderVM/pkg/sandbox"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	mode        = flag.String("mode", "exec", "Execution mode: exec (JIT), debug (interpreter), disasm")
	cacheDir    = flag.String("cache-dir", "", "Directory for the compiled-code cache (empty disables caching)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("cinder %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	log.SetPrefix("[cinder] ")

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: cinder [flags] program.cinder\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	program, err := asm.ParseFile(path)
	if err != nil {
		log.Fatalf("parse: %v", err)
	}

	switch *mode {
	case "exec":
		if err := runJIT(program); err != nil {
			log.Fatalf("exec: %v", err)
		}
	case "debug":
		if err := runInterpreter(program); err != nil {
			log.Fatalf("debug: %v", err)
		}
	case "disasm":
		if err := disassemble(program); err != nil {
			log.Fatalf("disasm: %v", err)
		}
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

// runJIT compiles (or loads from the cache) and executes the program.
func runJIT(program *bytecode.Program) error {
	natives := native.NewRegistry()
	id := codecache.Key(program)
	log.Printf("program %s: compiling", id)

	code, err := compileWithCache(program, natives, id)
	if err != nil {
		return err
	}
	defer code.Close()

	result, err := code.Run()
	if err != nil {
		return err
	}
	fmt.Printf("%d\n", result)
	return nil
}

// compileWithCache returns invokable code, consulting the artifact cache
// when one is configured. A corrupt or unloadable cache entry is dropped
// and the program recompiled.
func compileWithCache(program *bytecode.Program, natives *native.Registry, id types.ProgramID) (*jit.Code, error) {
	if *cacheDir == "" {
		compiler := jit.NewCompiler(program, natives)
		return compiler.Compile()
	}

	cache, err := codecache.Open(codecache.DefaultConfig(*cacheDir))
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	if art, err := cache.Get(id); err == nil {
		sb := sandbox.New(program)
		if err := sb.Validate(); err != nil {
			return nil, fmt.Errorf("validation: %w", err)
		}
		code, err := jit.Load(art, sb, natives)
		if err == nil {
			log.Printf("program %s: cache hit (%d bytes)", id, len(art.Code))
			return code, nil
		}
		log.Printf("program %s: dropping unloadable cache entry: %v", id, err)
		cache.Delete(id)
	} else if !errors.Is(err, codecache.ErrNotFound) {
		log.Printf("program %s: dropping corrupt cache entry: %v", id, err)
		cache.Delete(id)
	}

	compiler := jit.NewCompiler(program, natives)
	code, err := compiler.Compile()
	if err != nil {
		return nil, err
	}
	if err := cache.Put(id, code.Artifact()); err != nil {
		log.Printf("program %s: cache store failed: %v", id, err)
	}
	return code, nil
}

// runInterpreter executes the program on the reference interpreter with
// natives wired.
func runInterpreter(program *bytecode.Program) error {
	ip := interp.New(program, interp.WithNatives(native.NewRegistry()))
	result, err := ip.Run()
	if err != nil {
		return err
	}
	fmt.Printf("%d\n", result)
	return nil
}

// disassemble prints the bytecode listing and a hex dump of the
// generated machine code.
func disassemble(program *bytecode.Program) error {
	fmt.Print(asm.Print(program))

	compiler := jit.NewCompiler(program, native.NewRegistry())
	code, err := compiler.Compile()
	if err != nil {
		return err
	}
	defer code.Close()

	machineCode, err := code.MachineCode()
	if err != nil {
		return err
	}
	fmt.Printf("\nmachine code (%d bytes):\n", len(machineCode))
	for i, b := range machineCode {
		if i%16 == 0 {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("%04X: ", i)
		}
		fmt.Printf("%02X ", b)
	}
	fmt.Println()
	return nil
}
