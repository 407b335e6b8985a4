package model

// IndexRef is the index-side part of a GlobalDocRef
type IndexRef struct {
	FullIndexVersion int64  `json:"full_index_version"`
	IndexVersion     int32  `json:"index_version"`
	PrimaryKey       uint64 `json:"primary_key"`
}

// GlobalDocRef identifies a document across the cluster topology
type GlobalDocRef struct {
	IndexRef
	DocID     int32  `json:"doc_id"`
	HashID    uint16 `json:"hash_id"`
	ClusterID uint32 `json:"cluster_id"`
}

// Compare orders refs lexicographically on (FullIndexVersion, IndexVersion, PrimaryKey)
// and then (DocID, HashID, ClusterID). It returns -1, 0 or 1.
func (g GlobalDocRef) Compare(o GlobalDocRef) int {
	switch {
	case g.FullIndexVersion != o.FullIndexVersion:
		return cmp(g.FullIndexVersion < o.FullIndexVersion)
	case g.IndexVersion != o.IndexVersion:
		return cmp(g.IndexVersion < o.IndexVersion)
	case g.PrimaryKey != o.PrimaryKey:
		return cmp(g.PrimaryKey < o.PrimaryKey)
	case g.DocID != o.DocID:
		return cmp(g.DocID < o.DocID)
	case g.HashID != o.HashID:
		return cmp(g.HashID < o.HashID)
	case g.ClusterID != o.ClusterID:
		return cmp(g.ClusterID < o.ClusterID)
	}
	return 0
}

// Less reports whether g sorts before o
func (g GlobalDocRef) Less(o GlobalDocRef) bool {
	return g.Compare(o) < 0
}

func cmp(less bool) int {
	if less {
		return -1
	}
	return 1
}

// PartitionRange is an inclusive slice of the 16-bit hash space served by one partition
type PartitionRange struct {
	From uint16 `json:"from"`
	To   uint16 `json:"to"`
}

// DocRefGroup is the set of documents whose summaries come from one owning cluster.
// Positions index into the merged hit list, parallel to Refs.
type DocRefGroup struct {
	Cluster         string
	Refs            []GlobalDocRef
	RawPKs          []string
	Positions       []int
	SchemaSignature uint64
}

// DocRefBatch maps owning-cluster name to its group. Built fresh per summary fetch.
type DocRefBatch map[string]*DocRefGroup

// Add appends the hit at position to the group of cluster, creating the group on first use.
// It reports whether the group is new.
func (b DocRefBatch) Add(cluster string, position int, ref GlobalDocRef, rawPK string) (*DocRefGroup, bool) {
	group, ok := b[cluster]
	if !ok {
		group = &DocRefGroup{Cluster: cluster}
		b[cluster] = group
	}
	group.Refs = append(group.Refs, ref)
	group.RawPKs = append(group.RawPKs, rawPK)
	group.Positions = append(group.Positions, position)
	return group, !ok
}
