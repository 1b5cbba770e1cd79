package tsdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	kiterrors "github.com/saxdb/saxdb/kit/errors"
	"github.com/saxdb/saxdb/models"
)

// isaxEntry is one indexed series inside a terminal node.
type isaxEntry struct {
	pk   string
	word Word
}

// isaxNode is either terminal (entries != nil) or internal (children keyed
// by the symbol at pos). Parent links are not kept; ownership is strictly
// downward.
type isaxNode struct {
	terminal bool
	entries  []isaxEntry

	pos      int
	children map[uint8]*isaxNode
}

// ISAXTree is an n-ary tree over SAX words supporting insert, removal and
// approximate nearest-neighbor search. The root starts as a terminal and
// splits once it holds more than threshold entries.
type ISAXTree struct {
	sax       *SAX
	threshold int
	root      *isaxNode
	words     map[string]Word // pk -> stored word, for removal and contains
}

// NewISAXTree returns an empty tree.
func NewISAXTree(sax *SAX, threshold int) (*ISAXTree, error) {
	if threshold <= 0 {
		return nil, &kiterrors.Error{Code: kiterrors.EInvalid, Msg: "tree threshold must be positive"}
	}
	return &ISAXTree{
		sax:       sax,
		threshold: threshold,
		root:      &isaxNode{terminal: true},
		words:     make(map[string]Word),
	}, nil
}

// Len returns the number of indexed series.
func (t *ISAXTree) Len() int { return len(t.words) }

// Contains reports whether pk is indexed.
func (t *ISAXTree) Contains(pk string) bool {
	_, ok := t.words[pk]
	return ok
}

// Insert encodes ts and files pk under its word.
func (t *ISAXTree) Insert(pk string, ts models.TimeSeries) error {
	if _, ok := t.words[pk]; ok {
		return &kiterrors.Error{
			Code: kiterrors.EAlreadyExists,
			Msg:  fmt.Sprintf("series %q already indexed", pk),
		}
	}
	word := t.sax.Encode(ts)
	t.words[pk] = word
	t.insert(t.root, isaxEntry{pk: pk, word: word})
	return nil
}

func (t *ISAXTree) insert(n *isaxNode, e isaxEntry) {
	for !n.terminal {
		child, ok := n.children[e.word[n.pos]]
		if !ok {
			child = &isaxNode{terminal: true}
			n.children[e.word[n.pos]] = child
		}
		n = child
	}
	n.entries = append(n.entries, e)
	if len(n.entries) > t.threshold {
		t.split(n)
	}
}

// split converts an overfull terminal into an internal node at the position
// of maximum symbol entropy and redistributes its entries. A terminal whose
// words agree at every position cannot be split and is left oversize.
func (t *ISAXTree) split(n *isaxNode) {
	pos, ok := t.splitPosition(n.entries)
	if !ok {
		return
	}

	entries := n.entries
	n.terminal = false
	n.entries = nil
	n.pos = pos
	n.children = make(map[uint8]*isaxNode)

	for _, e := range entries {
		child, ok := n.children[e.word[pos]]
		if !ok {
			child = &isaxNode{terminal: true}
			n.children[e.word[pos]] = child
		}
		child.entries = append(child.entries, e)
	}
	for _, child := range n.children {
		if len(child.entries) > t.threshold {
			t.split(child)
		}
	}
}

// splitPosition returns the word position with maximum symbol entropy over
// the entries, ties broken toward the smallest index. ok is false when no
// position discriminates.
func (t *ISAXTree) splitPosition(entries []isaxEntry) (int, bool) {
	best, bestEntropy := 0, 0.0
	for pos := 0; pos < t.sax.WordLength(); pos++ {
		counts := make(map[uint8]int)
		for _, e := range entries {
			counts[e.word[pos]]++
		}
		var h float64
		for _, c := range counts {
			p := float64(c) / float64(len(entries))
			h -= p * math.Log2(p)
		}
		if h > bestEntropy {
			best, bestEntropy = pos, h
		}
	}
	if bestEntropy == 0 {
		return 0, false
	}
	return best, true
}

// Remove unindexes pk. Empty terminals are retained.
func (t *ISAXTree) Remove(pk string) error {
	word, ok := t.words[pk]
	if !ok {
		return &kiterrors.Error{
			Code: kiterrors.ENotFound,
			Msg:  fmt.Sprintf("series %q not indexed", pk),
		}
	}
	delete(t.words, pk)

	n := t.root
	for !n.terminal {
		child, ok := n.children[word[n.pos]]
		if !ok {
			return nil
		}
		n = child
	}
	for i, e := range n.entries {
		if e.pk == pk {
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			break
		}
	}
	return nil
}

// NearestNeighbor returns the approximate nearest indexed pk to q and its
// z-normalized Euclidean distance. The descent follows exact symbol matches
// and falls back to the child with the nearest symbol in breakpoint space.
// lookup resolves a candidate pk to its stored series.
func (t *ISAXTree) NearestNeighbor(q models.TimeSeries, lookup func(pk string) (models.TimeSeries, error)) (string, float64, error) {
	if len(t.words) == 0 {
		return "", 0, &kiterrors.Error{Code: kiterrors.ENotFound, Msg: "similarity index is empty"}
	}

	word := t.sax.Encode(q)
	n := t.root
	for !n.terminal {
		child, ok := n.children[word[n.pos]]
		if !ok {
			child = t.nearestChild(n, word[n.pos])
		}
		if child == nil {
			break
		}
		n = child
	}

	qn := q.ZNormalized()
	bestPK, bestDist := "", math.Inf(1)
	for _, e := range n.entries {
		ts, err := lookup(e.pk)
		if err != nil {
			return "", 0, err
		}
		d := models.EuclideanDistance(qn, ts.ZNormalized())
		if d < bestDist || (d == bestDist && e.pk < bestPK) {
			bestPK, bestDist = e.pk, d
		}
	}
	if bestPK == "" {
		// Descent ended in an empty terminal left by lazy removal; fall back
		// to scanning the whole tree.
		for pk := range t.words {
			ts, err := lookup(pk)
			if err != nil {
				return "", 0, err
			}
			d := models.EuclideanDistance(qn, ts.ZNormalized())
			if d < bestDist || (d == bestDist && pk < bestPK) {
				bestPK, bestDist = pk, d
			}
		}
	}
	return bestPK, bestDist, nil
}

func (t *ISAXTree) nearestChild(n *isaxNode, sym uint8) *isaxNode {
	var (
		best     *isaxNode
		bestSym  uint8
		bestDist = math.Inf(1)
	)
	for s, child := range n.children {
		d := t.sax.SymbolDistance(int(sym), int(s))
		if d < bestDist || (d == bestDist && (best == nil || s < bestSym)) {
			best, bestSym, bestDist = child, s, d
		}
	}
	return best
}

// TerminalSizes returns the entry count of every terminal, in no particular
// order.
func (t *ISAXTree) TerminalSizes() []int {
	var sizes []int
	var walk func(n *isaxNode)
	walk = func(n *isaxNode) {
		if n.terminal {
			sizes = append(sizes, len(n.entries))
			return
		}
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
	return sizes
}

// isaxSnapshotVersion guards the snapshot payload layout.
const isaxSnapshotVersion = 1

const (
	isaxNodeTerminal = 0
	isaxNodeInternal = 1
)

// MarshalBinary serializes the tree pre-order with children in symbol
// order, so equal trees serialize identically.
func (t *ISAXTree) MarshalBinary() ([]byte, error) {
	buf := []byte{isaxSnapshotVersion}
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.sax.WordLength()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.sax.Cardinality()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.threshold))
	return t.marshalNode(buf, t.root), nil
}

func (t *ISAXTree) marshalNode(buf []byte, n *isaxNode) []byte {
	if n.terminal {
		buf = append(buf, isaxNodeTerminal)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.entries)))
		for _, e := range n.entries {
			buf = appendString16(buf, e.pk)
			buf = append(buf, e.word...)
		}
		return buf
	}

	buf = append(buf, isaxNodeInternal)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n.pos))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.children)))
	syms := make([]int, 0, len(n.children))
	for s := range n.children {
		syms = append(syms, int(s))
	}
	sort.Ints(syms)
	for _, s := range syms {
		buf = append(buf, uint8(s))
		buf = t.marshalNode(buf, n.children[uint8(s)])
	}
	return buf
}

// UnmarshalBinary restores the tree from a snapshot payload. The encoder
// parameters in the payload must match the tree's.
func (t *ISAXTree) UnmarshalBinary(data []byte) error {
	corrupt := func() error {
		return &kiterrors.Error{Code: kiterrors.EIntegrity, Msg: "similarity index snapshot corrupt"}
	}

	if len(data) < 13 || data[0] != isaxSnapshotVersion {
		return corrupt()
	}
	w := int(binary.BigEndian.Uint32(data[1:5]))
	c := int(binary.BigEndian.Uint32(data[5:9]))
	th := int(binary.BigEndian.Uint32(data[9:13]))
	if w != t.sax.WordLength() || c != t.sax.Cardinality() || th != t.threshold {
		return &kiterrors.Error{
			Code: kiterrors.ESchemaMismatch,
			Msg: fmt.Sprintf("similarity index snapshot has parameters w=%d c=%d th=%d, database requires w=%d c=%d th=%d",
				w, c, th, t.sax.WordLength(), t.sax.Cardinality(), t.threshold),
		}
	}

	words := make(map[string]Word)
	root, rest, err := t.unmarshalNode(data[13:], words)
	if err != nil || len(rest) != 0 {
		return corrupt()
	}
	t.root = root
	t.words = words
	return nil
}

func (t *ISAXTree) unmarshalNode(data []byte, words map[string]Word) (*isaxNode, []byte, error) {
	corrupt := &kiterrors.Error{Code: kiterrors.EIntegrity, Msg: "similarity index snapshot corrupt"}
	if len(data) < 5 {
		return nil, nil, corrupt
	}
	kind := data[0]
	w := t.sax.WordLength()

	switch kind {
	case isaxNodeTerminal:
		n := int(binary.BigEndian.Uint32(data[1:5]))
		rest := data[5:]
		node := &isaxNode{terminal: true}
		for i := 0; i < n; i++ {
			pk, r, err := readString16From(rest)
			if err != nil || len(r) < w {
				return nil, nil, corrupt
			}
			word := Word(append([]uint8(nil), r[:w]...))
			rest = r[w:]
			node.entries = append(node.entries, isaxEntry{pk: pk, word: word})
			words[pk] = word
		}
		return node, rest, nil

	case isaxNodeInternal:
		if len(data) < 9 {
			return nil, nil, corrupt
		}
		pos := int(binary.BigEndian.Uint32(data[1:5]))
		n := int(binary.BigEndian.Uint32(data[5:9]))
		rest := data[9:]
		node := &isaxNode{pos: pos, children: make(map[uint8]*isaxNode, n)}
		for i := 0; i < n; i++ {
			if len(rest) < 1 {
				return nil, nil, corrupt
			}
			sym := rest[0]
			child, r, err := t.unmarshalNode(rest[1:], words)
			if err != nil {
				return nil, nil, err
			}
			node.children[sym] = child
			rest = r
		}
		return node, rest, nil
	}
	return nil, nil, corrupt
}
