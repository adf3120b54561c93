package btree

import "fmt"

// Delete removes a key and frees its data page. Deleting an absent key
// is a successful no-op. The descent refills every minimally-filled
// child before entering it, so no visited node below the root is ever
// at minimum occupancy.
func (db *DB) Delete(key []byte) error {
	if db.closed {
		return ErrClosed
	}
	k, err := padKey(key)
	if err != nil {
		return err
	}
	// Probe first: an absent key must leave the tree untouched, and the
	// proactive refills below would otherwise restructure on the way
	// down to a miss.
	ok, err := db.contains(k)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	root, err := db.readNode(db.rootPage)
	if err != nil {
		return err
	}
	db.log.V(1).Info("delete", "key", string(key))
	return db.deleteFrom(root, k, true)
}

// contains reports whether a padded key is present. Read-only.
func (db *DB) contains(k []byte) (bool, error) {
	page := db.rootPage
	for {
		n, err := db.readNode(page)
		if err != nil {
			return false, err
		}
		pos, eq := findPos(n, k)
		if eq {
			return true, nil
		}
		if n.leaf() {
			return false, nil
		}
		page = n.chld[pos]
		if page == 0 {
			return false, fmt.Errorf("%w: nil child at node %d index %d", ErrCorrupt, n.page, pos)
		}
	}
}

// deleteFrom removes k from the subtree rooted at x. freeData is false
// while deleting a predecessor/successor whose data page has already
// moved up into an ancestor.
func (db *DB) deleteFrom(x *node, k []byte, freeData bool) error {
	pos, eq := findPos(x, k)

	if x.leaf() {
		if !eq {
			return nil
		}
		if freeData {
			if err := db.pool.Free(x.vals[pos]); err != nil {
				return err
			}
		}
		removeEntry(x, pos)
		return db.writeNode(x)
	}

	if eq {
		return db.deleteSeparator(x, pos, k, freeData)
	}

	if x.chld[pos] == 0 {
		return fmt.Errorf("%w: nil child at node %d index %d", ErrCorrupt, x.page, pos)
	}
	child, err := db.readNode(x.chld[pos])
	if err != nil {
		return err
	}
	if child.nKeys <= db.minKeys() {
		child, err = db.refill(x, pos, child)
		if err != nil {
			return err
		}
	}
	return db.deleteFrom(child, k, freeData)
}

// deleteSeparator removes the key sitting at index pos of the internal
// node x. The separator is replaced by its predecessor or successor
// when a child can spare a key; otherwise both children merge and the
// delete continues inside the merged node.
func (db *DB) deleteSeparator(x *node, pos int, k []byte, freeData bool) error {
	min := db.minKeys()

	left, err := db.readNode(x.chld[pos])
	if err != nil {
		return err
	}
	if left.nKeys > min {
		predKey, predVal, err := db.maxEntry(left)
		if err != nil {
			return err
		}
		if freeData {
			if err := db.pool.Free(x.vals[pos]); err != nil {
				return err
			}
		}
		copy(x.keys[pos], predKey)
		x.vals[pos] = predVal
		if err := db.writeNode(x); err != nil {
			return err
		}
		return db.deleteFrom(left, predKey, false)
	}

	right, err := db.readNode(x.chld[pos+1])
	if err != nil {
		return err
	}
	if right.nKeys > min {
		succKey, succVal, err := db.minEntry(right)
		if err != nil {
			return err
		}
		if freeData {
			if err := db.pool.Free(x.vals[pos]); err != nil {
				return err
			}
		}
		copy(x.keys[pos], succKey)
		x.vals[pos] = succVal
		if err := db.writeNode(x); err != nil {
			return err
		}
		return db.deleteFrom(right, succKey, false)
	}

	merged, err := db.mergeChildren(x, pos, left, right)
	if err != nil {
		return err
	}
	return db.deleteFrom(merged, k, freeData)
}

// refill brings the child at index pos of x above minimum occupancy:
// borrow from a sibling that can spare a key, otherwise merge with one
// (preferring the right). Returns the node the descent should continue
// into.
func (db *DB) refill(x *node, pos int, child *node) (*node, error) {
	min := db.minKeys()

	var ls, rs *node
	var err error
	if pos > 0 {
		ls, err = db.readNode(x.chld[pos-1])
		if err != nil {
			return nil, err
		}
		if ls.nKeys > min {
			if err := db.rotateRight(x, pos-1, ls, child); err != nil {
				return nil, err
			}
			return child, nil
		}
	}
	if pos < x.nKeys {
		rs, err = db.readNode(x.chld[pos+1])
		if err != nil {
			return nil, err
		}
		if rs.nKeys > min {
			if err := db.rotateLeft(x, pos, child, rs); err != nil {
				return nil, err
			}
			return child, nil
		}
	}
	if rs != nil {
		return db.mergeChildren(x, pos, child, rs)
	}
	return db.mergeChildren(x, pos-1, ls, child)
}

// rotateRight moves the last entry of the left sibling up into x and
// the separator at sepIdx down into the front of child.
func (db *DB) rotateRight(x *node, sepIdx int, ls, child *node) error {
	shiftEntriesRight(child, 0)
	if !child.leaf() {
		shiftChildrenRight(child, 0)
		child.chld[0] = ls.chld[ls.nKeys]
		if err := db.reparentOne(child.chld[0], child.page); err != nil {
			return err
		}
	}
	copy(child.keys[0], x.keys[sepIdx])
	child.vals[0] = x.vals[sepIdx]
	child.nKeys++

	copy(x.keys[sepIdx], ls.keys[ls.nKeys-1])
	x.vals[sepIdx] = ls.vals[ls.nKeys-1]
	ls.nKeys--

	if err := db.writeNode(ls); err != nil {
		return err
	}
	if err := db.writeNode(child); err != nil {
		return err
	}
	if err := db.writeNode(x); err != nil {
		return err
	}
	db.log.V(1).Info("rotate right", "parent", x.page, "into", child.page, "from", ls.page)
	return nil
}

// rotateLeft moves the first entry of the right sibling up into x and
// the separator at sepIdx down onto the end of child.
func (db *DB) rotateLeft(x *node, sepIdx int, child, rs *node) error {
	copy(child.keys[child.nKeys], x.keys[sepIdx])
	child.vals[child.nKeys] = x.vals[sepIdx]
	if !child.leaf() {
		child.chld[child.nKeys+1] = rs.chld[0]
		if err := db.reparentOne(rs.chld[0], child.page); err != nil {
			return err
		}
	}
	child.nKeys++

	copy(x.keys[sepIdx], rs.keys[0])
	x.vals[sepIdx] = rs.vals[0]
	if !rs.leaf() {
		removeChild(rs, 0)
	}
	removeEntry(rs, 0)

	if err := db.writeNode(rs); err != nil {
		return err
	}
	if err := db.writeNode(child); err != nil {
		return err
	}
	if err := db.writeNode(x); err != nil {
		return err
	}
	db.log.V(1).Info("rotate left", "parent", x.page, "into", child.page, "from", rs.page)
	return nil
}

// mergeChildren folds the separator at sepIdx and the right node into
// the left node, frees the right page, and drops the separator from x.
// When x is the root and empties, the merged node becomes the new root
// and the tree shrinks a level.
func (db *DB) mergeChildren(x *node, sepIdx int, left, right *node) (*node, error) {
	copy(left.keys[left.nKeys], x.keys[sepIdx])
	left.vals[left.nKeys] = x.vals[sepIdx]
	for i := 0; i < right.nKeys; i++ {
		copy(left.keys[left.nKeys+1+i], right.keys[i])
		left.vals[left.nKeys+1+i] = right.vals[i]
	}
	if !left.leaf() {
		for i := 0; i <= right.nKeys; i++ {
			left.chld[left.nKeys+1+i] = right.chld[i]
			if err := db.reparentOne(right.chld[i], left.page); err != nil {
				return nil, err
			}
		}
	}
	left.nKeys += 1 + right.nKeys

	removeChild(x, sepIdx+1)
	removeEntry(x, sepIdx)

	if err := db.pool.Free(right.page); err != nil {
		return nil, err
	}

	if x.page == db.rootPage && x.nKeys == 0 {
		left.parent = 0
		if err := db.writeNode(left); err != nil {
			return nil, err
		}
		if err := db.pool.Free(x.page); err != nil {
			return nil, err
		}
		if err := db.pool.SetRoot(left.page); err != nil {
			return nil, err
		}
		db.rootPage = left.page
		db.log.V(1).Info("root shrunk", "old", x.page, "new", left.page)
		return left, nil
	}

	if err := db.writeNode(left); err != nil {
		return nil, err
	}
	if err := db.writeNode(x); err != nil {
		return nil, err
	}
	db.log.V(1).Info("nodes merged", "parent", x.page, "left", left.page, "freed", right.page)
	return left, nil
}

// maxEntry returns a copy of the largest key in the subtree rooted at n
// and its data page (the predecessor entry).
func (db *DB) maxEntry(n *node) ([]byte, uint64, error) {
	cur := n
	for !cur.leaf() {
		var err error
		cur, err = db.readNode(cur.chld[cur.nKeys])
		if err != nil {
			return nil, 0, err
		}
	}
	if cur.nKeys == 0 {
		return nil, 0, fmt.Errorf("%w: empty leaf %d on predecessor walk", ErrCorrupt, cur.page)
	}
	k := make([]byte, KeySize)
	copy(k, cur.keys[cur.nKeys-1])
	return k, cur.vals[cur.nKeys-1], nil
}

// minEntry returns a copy of the smallest key in the subtree rooted at
// n and its data page (the successor entry).
func (db *DB) minEntry(n *node) ([]byte, uint64, error) {
	cur := n
	for !cur.leaf() {
		var err error
		cur, err = db.readNode(cur.chld[0])
		if err != nil {
			return nil, 0, err
		}
	}
	if cur.nKeys == 0 {
		return nil, 0, fmt.Errorf("%w: empty leaf %d on successor walk", ErrCorrupt, cur.page)
	}
	k := make([]byte, KeySize)
	copy(k, cur.keys[0])
	return k, cur.vals[0], nil
}

// removeEntry shifts out the key/value at pos and decrements nKeys.
func removeEntry(n *node, pos int) {
	for i := pos; i < n.nKeys-1; i++ {
		copy(n.keys[i], n.keys[i+1])
		n.vals[i] = n.vals[i+1]
	}
	n.nKeys--
}

// removeChild shifts out the child pointer at pos. Call before
// removeEntry: it relies on nKeys still counting the departing entry.
func removeChild(n *node, pos int) {
	for i := pos; i < n.nKeys; i++ {
		n.chld[i] = n.chld[i+1]
	}
}
