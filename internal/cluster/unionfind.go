package cluster

// forest is a union-find over item indices. Every root owns the member list of
// its set; absorbed roots have a nil list.
type forest struct {
	parent  []int
	members [][]int
}

func newForest(n int) *forest {
	f := &forest{parent: make([]int, n), members: make([][]int, n)}
	for i := range f.parent {
		f.parent[i] = i
		f.members[i] = []int{i}
	}
	return f
}

// find returns the root of i, compressing the path on the way.
func (f *forest) find(i int) int {
	root := i
	for f.parent[root] != root {
		root = f.parent[root]
	}
	for f.parent[i] != root {
		next := f.parent[i]
		f.parent[i] = root
		i = next
	}
	return root
}

func (f *forest) size(root int) int { return len(f.members[root]) }

// union merges the sets rooted at a and b and returns the surviving root. The
// smaller set is absorbed; on a tie a survives. Members of the survivor keep
// their order and the absorbed members are appended.
func (f *forest) union(a, b int) int {
	if len(f.members[b]) > len(f.members[a]) {
		a, b = b, a
	}
	f.parent[b] = a
	f.members[a] = append(f.members[a], f.members[b]...)
	f.members[b] = nil
	return a
}
