// Copyright 2017 The go-interpreter Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package deobf

import (
	"sync"

	"github.com/go-interpreter/pydeobf/marshal"
)

// BatchResult pairs one input code object's outcome with any error
// Deobfuscate returned for it, so a caller can tell which of several
// inputs failed without the whole batch aborting.
type BatchResult struct {
	Result Result
	Err    error
}

// ProcessMany runs Deobfuscate over every code object in cos concurrently,
// grounded on exec.NewVM's sequential "for i, fn := range
// module.FunctionIndexSpace" loop but parallelized per spec.md §5: "a
// driver may process multiple code objects in parallel; each invocation
// ... owns its graph and VM state exclusively and shares only the
// immutable constant pool by reference". Each goroutine below gets its own
// cfg.Graph and vm.VM for the object it owns; the only state shared across
// goroutines is the marshal.Const values reachable from each co.Consts,
// which are immutable except for the lockable List/Set/Dict cells the VM
// already protects with their own mutex.
//
// Results are returned in the same order as cos, matching spec.md's
// "may skip that object and continue" policy: one object's error never
// prevents another's result from being reported.
func ProcessMany(cos []*marshal.CodeObject, opts Options) []BatchResult {
	results := make([]BatchResult, len(cos))

	const maxWorkers = 8
	workers := maxWorkers
	if len(cos) < workers {
		workers = len(cos)
	}
	if workers == 0 {
		return results
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := Deobfuscate(cos[i], opts)
				results[i] = BatchResult{Result: res, Err: err}
			}
		}()
	}
	for i := range cos {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
