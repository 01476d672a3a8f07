// Command clamp-pointers reads LLVM IR modules, runs the pointer-clamping
// pass over each and writes the transformed IR back out. It is the thin
// driver around package clamp; all semantics live in the pass.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"tinygo.org/x/go-llvm"

	"github.com/chubbymaggie/llvm-ir-memprotect/clamp"
)

const irSuffix = ".ll"

// kernelList collects repeated --kernel flags.
type kernelList []string

func (k *kernelList) String() string { return strings.Join(*k, ",") }

func (k *kernelList) Set(v string) error {
	*k = append(*k, v)
	return nil
}

func main() {
	var (
		allowUnsafe  = flag.Bool("allow-unsafe-exceptions", false, "do not abort on external calls; keep main() signature and exempt its argv uses from checks")
		addrspaceMap = flag.String("addrspace-map", "spir", "address space numbering table: spir or nvptx")
		outDir       = flag.String("o", "", "output directory (default: next to each input)")
		showVersion  = flag.Bool("version", false, "print version and exit")
		kernels      kernelList
	)
	flag.Var(&kernels, "kernel", "kernel entry function name (repeatable, merged with opencl.kernels metadata)")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: clamp-pointers [flags] input.ll ...")
		os.Exit(1)
	}

	cfg := clamp.Config{
		AllowUnsafeExceptions: *allowUnsafe,
		Kernels:               kernels,
	}
	switch *addrspaceMap {
	case "spir":
		cfg.AddressSpaces = clamp.SPIRAddressSpaces
	case "nvptx":
		cfg.AddressSpaces = clamp.NVPTXAddressSpaces
	default:
		fmt.Fprintf(os.Stderr, "unknown address space map %q\n", *addrspaceMap)
		os.Exit(1)
	}

	for _, input := range flag.Args() {
		if err := processFile(input, *outDir, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", input, err)
			os.Exit(1)
		}
	}
}

// processFile parses one IR file, clamps it and writes the result.
func processFile(input, outDir string, cfg clamp.Config) error {
	ctx := llvm.NewContext()
	defer ctx.Dispose()

	buf, err := llvm.NewMemoryBufferFromFile(input)
	if err != nil {
		return fmt.Errorf("read %s: %w", input, err)
	}
	mod, err := llvm.ParseIRInContext(ctx, buf)
	if err != nil {
		return fmt.Errorf("parse %s: %w", input, err)
	}
	defer mod.Dispose()

	if err := clamp.Run(mod, cfg); err != nil {
		return err
	}
	if err := llvm.VerifyModule(mod, llvm.ReturnStatusAction); err != nil {
		return fmt.Errorf("transformed module does not verify: %w", err)
	}

	outPath := clampedPath(input, outDir)
	if err := writeLocked(outPath, []byte(mod.String())); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", outPath)
	return nil
}

// clampedPath places <name>.clamped.ll either next to the input or inside
// outDir.
func clampedPath(input, outDir string) string {
	base := strings.TrimSuffix(filepath.Base(input), irSuffix) + ".clamped" + irSuffix
	if outDir == "" {
		return filepath.Join(filepath.Dir(input), base)
	}
	return filepath.Join(outDir, base)
}

// writeLocked writes the output under a directory-level file lock so that
// concurrent driver processes never interleave partial writes.
func writeLocked(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".clamp.lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire output lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
