package algorithm

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/devrev/qrs/internal/model"
)

// HashSpace is the size of the hash id space split across the partitions of a cluster
const HashSpace = 1 << 16

// Hash function names accepted in cluster config
const (
	HashFunctionDefault = "HASH"
	HashFunction64      = "HASH64"
	HashFunctionNumber  = "NUMBER_HASH"
)

// PartitionHasher maps a raw primary key onto a cluster's hash space
type PartitionHasher struct {
	function string
	ranges   []model.PartitionRange
}

// NewPartitionHasher creates a hasher for a cluster split into partitionCount equal ranges
func NewPartitionHasher(function string, partitionCount int) (*PartitionHasher, error) {
	if function == "" {
		function = HashFunctionDefault
	}
	function = strings.ToUpper(function)
	switch function {
	case HashFunctionDefault, HashFunction64, HashFunctionNumber:
	default:
		return nil, fmt.Errorf("unknown hash function %q", function)
	}
	if partitionCount <= 0 || partitionCount > HashSpace {
		return nil, fmt.Errorf("partition count must be in [1, %d], got %d", HashSpace, partitionCount)
	}
	return &PartitionHasher{function: function, ranges: SplitRanges(partitionCount)}, nil
}

// HashID returns the 16-bit hash id of rawPK
func (h *PartitionHasher) HashID(rawPK string) uint16 {
	var v uint64
	switch h.function {
	case HashFunction64:
		v = xxhash.Sum64String(rawPK)
	case HashFunctionNumber:
		n, err := strconv.ParseUint(rawPK, 10, 64)
		if err != nil {
			// Non-numeric keys fall back to the default function.
			v = sha256Prefix(rawPK)
		} else {
			v = n
		}
	default:
		v = sha256Prefix(rawPK)
	}
	return uint16(v % HashSpace)
}

// Partition returns the index of the partition serving hashID
func (h *PartitionHasher) Partition(hashID uint16) int {
	idx := sort.Search(len(h.ranges), func(i int) bool {
		return h.ranges[i].To >= hashID
	})
	if idx >= len(h.ranges) {
		idx = len(h.ranges) - 1
	}
	return idx
}

// PartitionCount returns the number of partitions of the cluster
func (h *PartitionHasher) PartitionCount() int {
	return len(h.ranges)
}

// Ranges returns the partition ranges of the cluster
func (h *PartitionHasher) Ranges() []model.PartitionRange {
	return append([]model.PartitionRange(nil), h.ranges...)
}

// SplitRanges divides the hash space into count contiguous ranges
func SplitRanges(count int) []model.PartitionRange {
	ranges := make([]model.PartitionRange, 0, count)
	step := HashSpace / count
	extra := HashSpace % count
	from := 0
	for i := 0; i < count; i++ {
		size := step
		if i < extra {
			size++
		}
		ranges = append(ranges, model.PartitionRange{From: uint16(from), To: uint16(from + size - 1)})
		from += size
	}
	return ranges
}

// PrimaryKeyOf fingerprints a raw primary key
func PrimaryKeyOf(rawPK string) uint64 {
	return xxhash.Sum64String(rawPK)
}

func sha256Prefix(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// ClusterInfo describes one backend cluster
type ClusterInfo struct {
	Name                string
	ID                  uint32
	Hasher              *PartitionHasher
	FetchSummaryCluster string
}

// Topology is the static view of the backend clusters
type Topology struct {
	mu       sync.RWMutex
	clusters map[string]*ClusterInfo
	nextID   uint32
}

// NewTopology creates an empty topology
func NewTopology() *Topology {
	return &Topology{clusters: make(map[string]*ClusterInfo)}
}

// AddCluster registers a cluster. IDs are assigned in registration order starting at 0.
func (t *Topology) AddCluster(name, hashFunction string, partitionCount int, fetchSummaryCluster string) error {
	hasher, err := NewPartitionHasher(hashFunction, partitionCount)
	if err != nil {
		return fmt.Errorf("cluster %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.clusters[name]; exists {
		return fmt.Errorf("cluster %s registered twice", name)
	}
	t.clusters[name] = &ClusterInfo{
		Name:                name,
		ID:                  t.nextID,
		Hasher:              hasher,
		FetchSummaryCluster: fetchSummaryCluster,
	}
	t.nextID++
	return nil
}

// Cluster returns the named cluster
func (t *Topology) Cluster(name string) (*ClusterInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clusters[name]
	return c, ok
}

// Has reports whether the named cluster is known
func (t *Topology) Has(name string) bool {
	_, ok := t.Cluster(name)
	return ok
}

// Names returns the registered cluster names, sorted
func (t *Topology) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.clusters))
	for n := range t.clusters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SummaryOwner returns the configured summary cluster of name, or name itself
func (t *Topology) SummaryOwner(name string) string {
	if c, ok := t.Cluster(name); ok && c.FetchSummaryCluster != "" {
		return c.FetchSummaryCluster
	}
	return name
}
