package main

import (
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sgtmalloc/sgtmalloc/internal/segtree"
	"github.com/sgtmalloc/sgtmalloc/pkg/sgtmalloc"
)

var (
	flagVerbose bool

	flagSeed   int64
	flagRounds int
	flagUnit   uint64
	flagHeight uint8
)

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	stressCmd.Flags().Int64Var(&flagSeed, "seed", 0x68684242, "random seed for the operation stream")
	stressCmd.Flags().IntVar(&flagRounds, "rounds", 1_000_000, "number of operations to run")
	stressCmd.Flags().Uint64Var(&flagUnit, "unit", 4, "unit size in bytes (power of two)")
	stressCmd.Flags().Uint8Var(&flagHeight, "height", 10, "tree height")

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(stressCmd)
	rootCmd.AddCommand(abiCmd)
}

var rootCmd = &cobra.Command{
	Use:   "sgtmalloc",
	Short: "Exercise the segment-tree buddy allocator",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted alloc/free sequence on a small tree, dumping it after each step",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := segtree.New(1, 3)
		if err != nil {
			return err
		}

		step := func(desc string, f func() error) error {
			if err := f(); err != nil {
				return fmt.Errorf("%s: %w", desc, err)
			}
			fmt.Printf("== %s\n%s\n", desc, tree)
			return nil
		}
		alloc := func(size uintptr) func() error {
			return func() error {
				off, err := tree.Alloc(size)
				if err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{"size": size, "offset": off}).Debug("alloc")
				return nil
			}
		}
		dealloc := func(off, size uintptr) func() error {
			return func() error { return tree.Dealloc(off, size) }
		}

		steps := []struct {
			desc string
			f    func() error
		}{
			{"alloc 1 byte", alloc(1)},
			{"alloc 2 bytes", alloc(2)},
			{"alloc 1 byte", alloc(1)},
			{"alloc 4 bytes", alloc(4)},
			{"free 2 bytes at offset 2", dealloc(2, 2)},
			{"alloc 2 bytes again", alloc(2)},
		}
		for _, s := range steps {
			if err := step(s.desc, s.f); err != nil {
				return err
			}
		}
		return nil
	},
}

var abiCmd = &cobra.Command{
	Use:   "abi",
	Short: "Walk the allocation API surface on a private heap and report statistics",
	Long: "Runs malloc, calloc, aligned_alloc, posix_memalign, realloc and free\n" +
		"against a 4 MiB allocator and reports its statistics. Set " + sgtmalloc.DebugEnv +
		" to any non-empty value to see the per-call trace on standard error.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := sgtmalloc.New(64, 16)
		if err != nil {
			return err
		}

		p := a.Malloc(100)
		if p == nil {
			return fmt.Errorf("malloc(100) failed")
		}
		c := a.Calloc(32, 8)
		if c == nil {
			return fmt.Errorf("calloc(32, 8) failed")
		}
		al := a.AlignedAlloc(4096, 512)
		if al == nil {
			return fmt.Errorf("aligned_alloc(4096, 512) failed")
		}
		pm, rc := a.PosixMemalign(256, 1000)
		if rc != 0 {
			return fmt.Errorf("posix_memalign(256, 1000) failed with %d", rc)
		}
		p = a.Realloc(p, 5000)
		if p == nil {
			return fmt.Errorf("realloc(5000) failed")
		}

		for _, ptr := range []unsafe.Pointer{p, c, al, pm} {
			a.Free(ptr)
		}

		logrus.WithFields(logrus.Fields(a.Stats())).Info("abi walk complete")
		return nil
	},
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Drive a seeded random alloc/free stream and verify invariants",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := segtree.New(uintptr(flagUnit), flagHeight)
		if err != nil {
			return err
		}
		maxSize := tree.MaxSize()

		rng := rand.New(rand.NewSource(flagSeed))
		live := make(map[uintptr]uintptr)
		var order []uintptr
		units := make([]bool, maxSize/tree.Unit())
		var totalAllocated uintptr
		var allocs, frees, rejects uint64

		span := func(off, size uintptr) (uintptr, uintptr) {
			rounded := uintptr(1)
			for rounded < size {
				rounded <<= 1
			}
			if rounded < tree.Unit() {
				rounded = tree.Unit()
			}
			return off / tree.Unit(), rounded / tree.Unit()
		}

		for i := 0; i < flagRounds; i++ {
			rest := maxSize - totalAllocated
			if rest != 0 && (len(order) == 0 || rng.Intn(2) == 0) {
				limit := rest
				if limit > maxSize/2 {
					limit = maxSize / 2
				}
				size := uintptr(rng.Intn(int(limit))) + 1
				off, err := tree.Alloc(size)
				if err != nil {
					rejects++
					continue
				}
				start, n := span(off, size)
				for u := start; u < start+n; u++ {
					if units[u] {
						return fmt.Errorf("round %d: block at offset %d overlaps a live allocation", i, off)
					}
					units[u] = true
				}
				live[off] = size
				order = append(order, off)
				totalAllocated += size
				allocs++
			} else {
				idx := rng.Intn(len(order))
				off := order[idx]
				size := live[off]
				if err := tree.Dealloc(off, size); err != nil {
					return fmt.Errorf("round %d: %w", i, err)
				}
				start, n := span(off, size)
				for u := start; u < start+n; u++ {
					units[u] = false
				}
				delete(live, off)
				order[idx] = order[len(order)-1]
				order = order[:len(order)-1]
				totalAllocated -= size
				frees++
			}
		}

		logrus.WithFields(logrus.Fields{
			"rounds":    flagRounds,
			"allocs":    allocs,
			"frees":     frees,
			"rejects":   rejects,
			"live":      len(live),
			"live_frac": fmt.Sprintf("%.3f", float64(totalAllocated)/float64(maxSize)),
		}).Info("stress run complete")
		return nil
	},
}
