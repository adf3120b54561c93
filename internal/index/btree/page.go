package btree

import (
	"encoding/binary"
	"fmt"
)

// Node page layout (on disk, little-endian):
//
// offset              size            field
// 0                   8               page (uint64, self id)
// 8                   8               parentPage (uint64, 0 = root)
// 16                  4               flags (uint32, bit 0 = leaf)
// 20                  4               nKeys (uint32)
// 24                  K*KeySize       keys, NUL-padded
// 24+K*KeySize        K*8             vals (data page numbers)
// 24+K*(KeySize+8)    (K+1)*8         chld (child page numbers)
//
// K is the node capacity; the encoded node must fit one page.

func keyOff(i int) int {
	return nodeHeaderSize + i*KeySize
}

func valOff(maxKeys, i int) int {
	return nodeHeaderSize + maxKeys*KeySize + i*8
}

func chldOff(maxKeys, i int) int {
	return nodeHeaderSize + maxKeys*(KeySize+8) + i*8
}

// encodeNode serializes a node image into a page buffer. Bytes past
// the node layout are left as the caller provided them.
func encodeNode(buf []byte, n *node, maxKeys int) {
	binary.LittleEndian.PutUint64(buf[0:8], n.page)
	binary.LittleEndian.PutUint64(buf[8:16], n.parent)
	binary.LittleEndian.PutUint32(buf[16:20], n.flags)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(n.nKeys))
	for i := 0; i < maxKeys; i++ {
		copy(buf[keyOff(i):keyOff(i)+KeySize], n.keys[i])
		binary.LittleEndian.PutUint64(buf[valOff(maxKeys, i):], n.vals[i])
	}
	for i := 0; i <= maxKeys; i++ {
		binary.LittleEndian.PutUint64(buf[chldOff(maxKeys, i):], n.chld[i])
	}
}

// decodeNode parses a page buffer into a fresh node image.
func decodeNode(buf []byte, maxKeys int) (*node, error) {
	if len(buf) < nodeSize(maxKeys) {
		return nil, fmt.Errorf("%w: page buffer %d bytes, node needs %d", ErrCorrupt, len(buf), nodeSize(maxKeys))
	}
	n := &node{
		page:   binary.LittleEndian.Uint64(buf[0:8]),
		parent: binary.LittleEndian.Uint64(buf[8:16]),
		flags:  binary.LittleEndian.Uint32(buf[16:20]),
		keys:   make([][]byte, maxKeys),
		vals:   make([]uint64, maxKeys),
		chld:   make([]uint64, maxKeys+1),
	}
	nKeys := binary.LittleEndian.Uint32(buf[20:24])
	if int(nKeys) > maxKeys {
		return nil, fmt.Errorf("%w: node page %d has nKeys=%d, capacity %d", ErrCorrupt, n.page, nKeys, maxKeys)
	}
	n.nKeys = int(nKeys)
	for i := 0; i < maxKeys; i++ {
		k := make([]byte, KeySize)
		copy(k, buf[keyOff(i):keyOff(i)+KeySize])
		n.keys[i] = k
		n.vals[i] = binary.LittleEndian.Uint64(buf[valOff(maxKeys, i):])
	}
	for i := 0; i <= maxKeys; i++ {
		n.chld[i] = binary.LittleEndian.Uint64(buf[chldOff(maxKeys, i):])
	}
	return n, nil
}
