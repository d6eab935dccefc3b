// Package goruntime contains code for bootstrapping Go runtime features such
// as maps, interfaces and the memory allocator. The memory allocator hooks
// themselves (sysReserve/sysMap/sysAlloc) live in kernel/heap, which must be
// wired up via heap.Init before Init below runs.
package goruntime

import "github.com/achilleasa/gokernel/kernel"

var (
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData.
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation until the per-CPU timer is wired up as the runtime's clock
// source.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates r with random data. The runtime normally reads a
// random stream from /dev/random; since that is not available here, a PRNG
// substitutes for it.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to Init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c) — provided kernel/heap.Init
//     has already been called so sysReserve/sysMap/sysAlloc have a VAS
//     context to draw from.
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	getRandomData(nil)
	_ = nanotime()
}
