// The imginfo tool opens a goflat image file in copy mode (which runs
// the loader's pointer fix-up pass) and prints its header and root
// summary.
package main

import (
	"fmt"
	"os"

	"github.com/grailbio-labs/goflat/loader"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "imginfo <image-file>",
		Short: "Print the header and root table of a goflat image",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	l, err := loader.Open(args[0], loader.Config{Mode: loader.ModeCopy})
	if err != nil {
		return err
	}
	defer l.Unload()

	info := l.Info()
	fmt.Printf("magic:        0x%x\n", info.Magic)
	fmt.Printf("version:      %d\n", info.Version)
	fmt.Printf("image_size:   %d\n", info.ImageSize)
	fmt.Printf("memory_size:  %d\n", info.MemorySize)
	fmt.Printf("ptr_count:    %d\n", info.PtrCount)
	fmt.Printf("fptr_count:   %d\n", info.FptrCount)
	fmt.Printf("roots:        %d (%d named)\n", info.RootAddrCount, info.RootAddrExtendedCount)
	fmt.Printf("fragments:    %d\n", info.FragmentCount)
	fmt.Printf("open mode:    %s\n", l.Mode())

	for i := 0; i < l.RootCount(); i++ {
		r, _ := l.RootByIndex(i)
		if r.Named {
			fmt.Printf("  root[%d] %q size=%d\n", i, r.Name, r.DeclaredSize)
		} else {
			fmt.Printf("  root[%d] (anonymous)\n", i)
		}
	}
	return nil
}
