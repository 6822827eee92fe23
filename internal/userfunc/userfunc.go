// Package userfunc holds the named registries of user-supplied functions —
// mapper, reducer, combiner, partitioner, and serializer — that datasets
// reference by name (SPEC_FULL.md §4.6 / Glossary). The scheduler and slave
// executor never see a function value, only the name carried on a Task; this
// package resolves names to behavior identically in every process that
// constructs it from the same CLI args, per Design Notes "stateful,
// process-wide user-program instance."
package userfunc

import (
	"fmt"
	"math/rand/v2"

	"mrs/internal/taskrand"
)

// EmitFunc is the push callback a Mapper, Reducer, or Combiner calls once per
// output record. Map/reduce functions are generator-shaped (SPEC_FULL.md
// Design Notes): arbitrarily many emits, consumed in emission order.
type EmitFunc func(key, value []byte)

// TaskContext carries the per-call state a function may consult: its
// deterministic PRNG, seeded from the task's coordinates.
type TaskContext struct {
	Rand *rand.Rand
}

// NewTaskContext builds the context for one task attempt, seeding taskrand
// from its identifying coordinates.
func NewTaskContext(datasetID, splitIndex, attempt int, userPath ...int64) *TaskContext {
	coords := append([]int64{int64(datasetID), int64(splitIndex), int64(attempt)}, userPath...)
	return &TaskContext{Rand: taskrand.New(coords...)}
}

// Mapper consumes one input record and emits zero or more output records.
type Mapper func(ctx *TaskContext, key, value []byte, emit EmitFunc) error

// Values is a lazy iterator over the values belonging to a single key, as
// delivered to a Reducer — "values for a key are delivered together within a
// single reduce call" (SPEC_FULL.md §5), without materializing them all
// if the implementation can stream.
type Values interface {
	// Next returns the next value and true, or nil, false when exhausted.
	Next() ([]byte, bool)
}

// sliceValues is the simplest Values implementation, backing in-memory
// grouping (SPEC_FULL.md §4.3.2).
type sliceValues struct {
	vals [][]byte
	pos  int
}

func NewSliceValues(vals [][]byte) Values {
	return &sliceValues{vals: vals}
}

func (s *sliceValues) Next() ([]byte, bool) {
	if s.pos >= len(s.vals) {
		return nil, false
	}
	v := s.vals[s.pos]
	s.pos++
	return v, true
}

// Reducer consumes one key and all of its values and emits zero or more
// output records.
type Reducer func(ctx *TaskContext, key []byte, values Values, emit EmitFunc) error

// Combiner runs inside a map task to shrink intermediate data before it is
// partitioned and written to buckets (Glossary: "pre-reducer run inside a
// map task"). Its shape matches Reducer: same key, its locally-seen values,
// emit its own reduced pairs.
type Combiner func(ctx *TaskContext, key []byte, values Values, emit EmitFunc) error

// Partitioner maps a key and the downstream split count to a split index.
type Partitioner func(key []byte, numSplits int) int

// Serializer/Deserializer round-trip a typed value to the raw bytes stored
// in bucket frames. Builtins only need identity (already []byte) or JSON,
// but the registry is open for a real user program to extend.
type Serializer func(v any) ([]byte, error)
type Deserializer func(b []byte) (any, error)

// Registry is the named lookup table a Dataset's Mapper/Reducer/Combiner/
// Partitioner/KeySerializer/ValueSerializer string fields resolve against.
// Built once per process (master and slave both construct the same one from
// identical CLI args) and never mutated after.
type Registry struct {
	mappers      map[string]Mapper
	reducers     map[string]Reducer
	combiners    map[string]Combiner
	partitioners map[string]Partitioner
	serializers  map[string]Serializer
}

func NewRegistry() *Registry {
	return &Registry{
		mappers:      map[string]Mapper{},
		reducers:     map[string]Reducer{},
		combiners:    map[string]Combiner{},
		partitioners: map[string]Partitioner{},
		serializers:  map[string]Serializer{},
	}
}

func (r *Registry) RegisterMapper(name string, fn Mapper)         { r.mappers[name] = fn }
func (r *Registry) RegisterReducer(name string, fn Reducer)       { r.reducers[name] = fn }
func (r *Registry) RegisterCombiner(name string, fn Combiner)     { r.combiners[name] = fn }
func (r *Registry) RegisterPartitioner(name string, fn Partitioner) { r.partitioners[name] = fn }
func (r *Registry) RegisterSerializer(name string, fn Serializer) { r.serializers[name] = fn }

func (r *Registry) Mapper(name string) (Mapper, error) {
	fn, ok := r.mappers[name]
	if !ok {
		return nil, fmt.Errorf("userfunc: unknown mapper %q", name)
	}
	return fn, nil
}

func (r *Registry) Reducer(name string) (Reducer, error) {
	fn, ok := r.reducers[name]
	if !ok {
		return nil, fmt.Errorf("userfunc: unknown reducer %q", name)
	}
	return fn, nil
}

func (r *Registry) Combiner(name string) (Combiner, bool) {
	if name == "" {
		return nil, false
	}
	fn, ok := r.combiners[name]
	return fn, ok
}

func (r *Registry) Partitioner(name string) (Partitioner, error) {
	if name == "" {
		return HashModPartitioner, nil
	}
	fn, ok := r.partitioners[name]
	if !ok {
		return nil, fmt.Errorf("userfunc: unknown partitioner %q", name)
	}
	return fn, nil
}

func (r *Registry) Serializer(name string) (Serializer, error) {
	if name == "" {
		name = "identity"
	}
	fn, ok := r.serializers[name]
	if !ok {
		return nil, fmt.Errorf("userfunc: unknown serializer %q", name)
	}
	return fn, nil
}
