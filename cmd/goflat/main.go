// The goflat tool is a small demonstration driver: it builds a sample
// in-process linked list, flattens it through the library's public API,
// and writes the resulting image to disk.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/grailbio-labs/goflat"
	"github.com/spf13/cobra"
)

type node struct {
	Value int32
	_     [4]byte // padding to keep Next 8-byte aligned
	Next  *node
}

const nodeSize = int64(unsafe.Sizeof(node{}))

// selfHost flattens the current process's own memory. It is valid only
// because Go's garbage collector does not relocate heap objects once
// allocated; addresses taken here remain stable for the lifetime of the
// flatten call.
type selfHost struct{}

func (selfHost) AddrValid(addr goflat.SourceAddress) bool { return addr != 0 }

func (selfHost) AddrRangeValid(addr goflat.SourceAddress, n int64) bool {
	return addr != 0 && n >= 0
}

func (selfHost) TextAddrValid(goflat.SourceAddress) bool { return false }

func (selfHost) StringValidLen(goflat.SourceAddress) int64 { return 0 }

func (selfHost) ReadAt(addr goflat.SourceAddress, buf []byte) error {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(buf))
	copy(buf, src)
	return nil
}

func (selfHost) GetObject(goflat.SourceAddress) (start, end goflat.SourceAddress, ok bool) {
	return 0, 0, false
}

func (selfHost) FuncToName(goflat.SourceAddress) (string, bool) { return "", false }

func addrOf(n *node) goflat.SourceAddress {
	return goflat.SourceAddress(uintptr(unsafe.Pointer(n)))
}

// nodeBody describes node's layout to the engine: Value is plain
// storage, Next is a pointer to another node.
func nodeBody(c goflat.Cursor) error {
	if err := c.Storage(0, 4); err != nil {
		return err
	}
	return c.AggregateStruct(8, nodeSize, nodeBody)
}

func main() {
	var out string
	cmd := &cobra.Command{
		Use:   "goflat",
		Short: "Flatten a sample in-process object graph to a goflat image",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(out)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "sample.flat", "path to write the image to")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(out string) error {
	tail := &node{Value: 3}
	mid := &node{Value: 2, Next: tail}
	head := &node{Value: 1, Next: mid}

	eng := goflat.New(selfHost{}, goflat.WithDedup(true))
	if err := eng.ForRoot(addrOf(head), "head", nodeSize, nodeBody); err != nil {
		return err
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := eng.Write(f); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", out)
	return nil
}
