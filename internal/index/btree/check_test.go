package btree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// validateTree walks the whole tree from the root and checks every
// structural invariant: strictly ascending keys, separator bounds,
// parent pointers, uniform leaf depth, occupancy limits, and bitmap
// consistency (every reachable page allocated, no page referenced
// twice, nothing allocated beyond the reachable set and the pool's own
// pages).
func validateTree(t *testing.T, db *DB) {
	t.Helper()

	seen := make(map[uint64]bool)
	leafDepth := -1

	root, err := db.readNode(db.rootPage)
	require.NoError(t, err)
	require.EqualValues(t, 0, root.parent, "root parent pointer must be nil")

	var walk func(n *node, depth int, lo, hi []byte)
	walk = func(n *node, depth int, lo, hi []byte) {
		require.False(t, seen[n.page], "page %d reached twice", n.page)
		seen[n.page] = true
		require.True(t, db.pool.Allocated(n.page), "node page %d not in bitmap", n.page)

		require.LessOrEqual(t, n.nKeys, db.maxKeys, "page %d overfull", n.page)
		if n.page != db.rootPage {
			require.GreaterOrEqual(t, n.nKeys, db.minKeys(), "page %d underfull", n.page)
		}

		for i := 0; i < n.nKeys; i++ {
			if i > 0 {
				require.Negative(t, bytes.Compare(n.keys[i-1], n.keys[i]),
					"page %d keys not strictly ascending at %d", n.page, i)
			}
			if lo != nil {
				require.Negative(t, bytes.Compare(lo, n.keys[i]),
					"page %d key %d below separator bound", n.page, i)
			}
			if hi != nil {
				require.Negative(t, bytes.Compare(n.keys[i], hi),
					"page %d key %d above separator bound", n.page, i)
			}

			val := n.vals[i]
			require.NotZero(t, val, "page %d key %d has nil data page", n.page, i)
			require.False(t, seen[val], "data page %d referenced twice", val)
			seen[val] = true
			require.True(t, db.pool.Allocated(val), "data page %d not in bitmap", val)
		}

		if n.leaf() {
			if leafDepth == -1 {
				leafDepth = depth
			}
			require.Equal(t, leafDepth, depth, "leaf %d at depth %d, expected %d", n.page, depth, leafDepth)
			return
		}

		for i := 0; i <= n.nKeys; i++ {
			require.NotZero(t, n.chld[i], "page %d child %d is nil", n.page, i)
			c, err := db.readNode(n.chld[i])
			require.NoError(t, err)
			require.Equal(t, n.page, c.parent, "page %d has stale parent pointer", c.page)

			clo, chi := lo, hi
			if i > 0 {
				clo = n.keys[i-1]
			}
			if i < n.nKeys {
				chi = n.keys[i]
			}
			walk(c, depth+1, clo, chi)
		}
	}
	walk(root, 0, nil, nil)

	// nothing is allocated beyond the meta page, the bitmap pages, and
	// the reachable set: no leaked pages
	expected := uint64(len(seen)) + 1 + db.pool.BitmapPages()
	require.Equal(t, expected, db.pool.AllocatedCount(), "leaked or missing pages in bitmap")
}

// collectKeys returns every key in the tree in DFS order, NUL padding
// included.
func collectKeys(t *testing.T, db *DB) [][]byte {
	t.Helper()
	var keys [][]byte
	var walk func(page uint64)
	walk = func(page uint64) {
		n, err := db.readNode(page)
		require.NoError(t, err)
		for i := 0; i < n.nKeys; i++ {
			if !n.leaf() {
				walk(n.chld[i])
			}
			k := make([]byte, KeySize)
			copy(k, n.keys[i])
			keys = append(keys, k)
		}
		if !n.leaf() {
			walk(n.chld[n.nKeys])
		}
	}
	walk(db.rootPage)
	return keys
}
