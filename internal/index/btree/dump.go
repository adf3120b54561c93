package btree

import (
	"bytes"
	"fmt"
	"io"
)

// Dump writes a human-readable rendering of the tree to w, one node per
// block, depth-first from the root. Diagnostic only; the format is not
// stable.
func (db *DB) Dump(w io.Writer) error {
	if db.closed {
		return ErrClosed
	}
	fmt.Fprintln(w, "=====================================================")
	root, err := db.readNode(db.rootPage)
	if err != nil {
		return err
	}
	if err := db.dumpNode(w, root, 0); err != nil {
		return err
	}
	fmt.Fprintln(w, "=====================================================")
	return nil
}

func (db *DB) dumpNode(w io.Writer, n *node, depth int) error {
	fmt.Fprintf(w, "page=%d parent=%d depth=%d nKeys=%d", n.page, n.parent, depth, n.nKeys)
	if n.leaf() {
		fmt.Fprint(w, " leaf")
	}
	fmt.Fprintln(w)
	for i := 0; i < n.nKeys; i++ {
		fmt.Fprintf(w, "  key=%q val=%d", trimKey(n.keys[i]), n.vals[i])
		if !n.leaf() {
			fmt.Fprintf(w, " child=%d", n.chld[i])
		}
		fmt.Fprintln(w)
	}
	if n.leaf() {
		return nil
	}
	fmt.Fprintf(w, "  last child=%d\n", n.chld[n.nKeys])
	for i := 0; i <= n.nKeys; i++ {
		c, err := db.readNode(n.chld[i])
		if err != nil {
			return err
		}
		if err := db.dumpNode(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// trimKey strips the NUL padding for display.
func trimKey(k []byte) []byte {
	return bytes.TrimRight(k, "\x00")
}
