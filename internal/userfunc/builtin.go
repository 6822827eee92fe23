package userfunc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strconv"
)

// HashModPartitioner is the default partitioner when a Dataset leaves
// Partitioner empty: a stable FNV-1a hash of the key mod the split count
// (SPEC_FULL.md §4.1.1: the partitioner applies on every inter-task edge).
// Because the hash is stable, a re-run task sends each key to the same split.
func HashModPartitioner(key []byte, numSplits int) int {
	if numSplits <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(numSplits))
}

// BuiltinRegistry constructs the one concrete user program this
// implementation ships: word count, plus identity/json serializers, as
// exercised by the §8 end-to-end scenarios (SPEC_FULL.md §4.6.1). Master and
// slave each call this from identical CLI args so the registry is
// byte-for-byte the same in every process.
func BuiltinRegistry() *Registry {
	r := NewRegistry()

	r.RegisterMapper("wc_map", wcMap)
	r.RegisterReducer("wc_reduce", wcReduce)
	r.RegisterCombiner("wc_combine", wcCombine)
	r.RegisterMapper("identity_map", identityMap)
	r.RegisterPartitioner("hashmod", HashModPartitioner)
	r.RegisterSerializer("identity", identitySerializer)
	r.RegisterSerializer("json", jsonSerializer)

	return r
}

// wcMap splits one line of text into words and emits (word, "1") pairs.
func wcMap(_ *TaskContext, _, value []byte, emit EmitFunc) error {
	scanner := bufio.NewScanner(bytes.NewReader(value))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		emit(scanner.Bytes(), []byte("1"))
	}
	return scanner.Err()
}

// wcReduce sums a word's values — each either a literal "1" (no combiner
// ran) or a partial sum (wcCombine ran upstream) — and emits its total.
func wcReduce(_ *TaskContext, key []byte, values Values, emit EmitFunc) error {
	var total int
	for v, ok := values.Next(); ok; v, ok = values.Next() {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return err
		}
		total += n
	}
	emit(key, []byte(strconv.Itoa(total)))
	return nil
}

// wcCombine pre-sums a key's locally-seen counts inside the map task, so the
// reduce side sees one partial sum per source split instead of one record
// per occurrence (Glossary: "pre-reducer run inside a map task to shrink
// intermediate data").
func wcCombine(_ *TaskContext, key []byte, values Values, emit EmitFunc) error {
	var total int
	for v, ok := values.Next(); ok; v, ok = values.Next() {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return err
		}
		total += n
	}
	emit(key, []byte(strconv.Itoa(total)))
	return nil
}

// identityMap passes its input through unchanged; useful for reducemap
// fusion tests and for datasets that only need partitioning, not transform.
func identityMap(_ *TaskContext, key, value []byte, emit EmitFunc) error {
	emit(key, value)
	return nil
}

func identitySerializer(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errNotBytes
	}
	return b, nil
}

func jsonSerializer(v any) ([]byte, error) {
	return json.Marshal(v)
}

var errNotBytes = errors.New("identity serializer requires a []byte value")
