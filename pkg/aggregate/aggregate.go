// Package aggregate deduplicates sampled stacks and maintains ranked
// sample counters for stacks, shared stack roots, and functions.
package aggregate

import (
	"sort"
	"strconv"
	"strings"

	"github.com/wcprof/wcprof/pkg/backtrace"
)

// MaxRootDepth bounds the tracked root-stack depths; each depth in
// 1..MaxRootDepth-1 that is below a recorded stack's own depth gets its own
// counter.
const MaxRootDepth = 15

// Entry is one deduplicated stack with its sample count.
type Entry struct {
	Stack backtrace.Stack
	Count int
}

// FunctionRecord is a function name with its aggregate sample count. A
// function is credited once per stack, so recursion contributes one sample.
type FunctionRecord struct {
	Name  string
	Count int
}

// Aggregator owns all recorded stacks. Stack identity is the frame address
// sequence; symbol names never participate.
type Aggregator struct {
	samples int

	stacks     []*Entry
	stackIndex map[string]*Entry

	roots     [MaxRootDepth][]*Entry
	rootIndex [MaxRootDepth]map[string]*Entry

	funcs     []*FunctionRecord
	funcIndex map[string]*FunctionRecord

	threads     map[string]*Aggregator
	threadNames []string
}

// New returns an empty aggregator.
func New() *Aggregator {
	a := &Aggregator{
		stackIndex: make(map[string]*Entry),
		funcIndex:  make(map[string]*FunctionRecord),
		threads:    make(map[string]*Aggregator),
	}
	for d := 1; d < MaxRootDepth; d++ {
		a.rootIndex[d] = make(map[string]*Entry)
	}
	return a
}

// addrKey encodes a frame sequence as a map key.
func addrKey(frames []backtrace.Frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(strconv.FormatUint(f.Addr, 16))
		b.WriteByte(',')
	}
	return b.String()
}

// Record folds one parsed stack into the tables. Empty stacks are dropped.
func (a *Aggregator) Record(st backtrace.Stack) {
	if st.Empty() {
		return
	}
	a.record(st)

	if st.Thread != "" && a.threads != nil {
		sub, ok := a.threads[st.Thread]
		if !ok {
			sub = New()
			sub.threads = nil
			a.threads[st.Thread] = sub
			a.threadNames = append(a.threadNames, st.Thread)
		}
		sub.record(st)
	}
}

func (a *Aggregator) record(st backtrace.Stack) {
	a.samples++

	key := addrKey(st.Frames)
	e, ok := a.stackIndex[key]
	if ok {
		e.Count++
	} else {
		e = &Entry{Stack: st, Count: 1}
		a.stackIndex[key] = e
		a.stacks = append(a.stacks, e)
	}

	depth := len(st.Frames)
	for d := 1; d < depth && d < MaxRootDepth; d++ {
		outer := st.Frames[depth-d:]
		rkey := addrKey(outer)
		if r, ok := a.rootIndex[d][rkey]; ok {
			r.Count++
		} else {
			r = &Entry{
				Stack: backtrace.Stack{Thread: st.Thread, Frames: outer},
				Count: 1,
			}
			a.rootIndex[d][rkey] = r
			a.roots[d] = append(a.roots[d], r)
		}
	}

	seen := make(map[string]bool, depth)
	for _, f := range st.Frames {
		if f.Func == "" || seen[f.Func] {
			continue
		}
		seen[f.Func] = true
		if fr, ok := a.funcIndex[f.Func]; ok {
			fr.Count++
		} else {
			fr = &FunctionRecord{Name: f.Func, Count: 1}
			a.funcIndex[f.Func] = fr
			a.funcs = append(a.funcs, fr)
		}
	}
}

// Samples returns the number of recorded non-empty stacks.
func (a *Aggregator) Samples() int {
	return a.samples
}

// UniqueStacks returns the stack table size.
func (a *Aggregator) UniqueStacks() int {
	return len(a.stacks)
}

// rankEntries copies and sorts entries by descending count, keeping
// insertion order between equals.
func rankEntries(entries []*Entry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// RankedStacks returns every stack in descending sample order; stacks seen
// only once trail the list in the order they arrived.
func (a *Aggregator) RankedStacks() []Entry {
	return rankEntries(a.stacks)
}

// RankedRoots returns the shared roots of depth d that collected more than
// one sample, descending.
func (a *Aggregator) RankedRoots(d int) []Entry {
	if d < 1 || d >= MaxRootDepth {
		return nil
	}
	ranked := rankEntries(a.roots[d])
	for i, e := range ranked {
		if e.Count <= 1 {
			return ranked[:i]
		}
	}
	return ranked
}

// RankedFunctions returns functions with more than minSamples samples,
// descending. The report uses minSamples = 1.
func (a *Aggregator) RankedFunctions(minSamples int) []FunctionRecord {
	out := make([]FunctionRecord, 0, len(a.funcs))
	for _, f := range a.funcs {
		if f.Count > minSamples {
			out = append(out, *f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// Threads lists thread names in first-seen order.
func (a *Aggregator) Threads() []string {
	return a.threadNames
}

// ByThread returns the aggregate scoped to one thread, or nil.
func (a *Aggregator) ByThread(name string) *Aggregator {
	if a.threads == nil {
		return nil
	}
	return a.threads[name]
}
