package store

import (
	"fmt"
	"sort"
)

// Order selects the scan direction over creation order
type Order int

const (
	Asc Order = iota
	Desc
)

// UniqueViolationError reports an insert or patch that would give two rows
// the same value in a unique index.
type UniqueViolationError struct {
	Table Table
	Index Index
	Key   string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("unique index %s.%s already holds %q", e.Table, e.Index, e.Key)
}

type posting struct {
	seq uint64
	id  string
}

// postings is kept sorted by seq, which is creation order.
type postings []posting

func (p postings) search(seq uint64) int {
	return sort.Search(len(p), func(i int) bool { return p[i].seq >= seq })
}

func (p *postings) add(seq uint64, id string) {
	i := p.search(seq)
	*p = append(*p, posting{})
	copy((*p)[i+1:], (*p)[i:])
	(*p)[i] = posting{seq: seq, id: id}
}

func (p *postings) remove(seq uint64) {
	i := p.search(seq)
	if i < len(*p) && (*p)[i].seq == seq {
		*p = append((*p)[:i], (*p)[i+1:]...)
	}
}

// ids walks the postings in the requested order, stopping after limit (0 = all).
func (p postings) ids(order Order, limit int) []string {
	n := len(p)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, 0, n)
	if order == Desc {
		for i := len(p) - 1; i >= 0 && len(out) < n; i-- {
			out = append(out, p[i].id)
		}
		return out
	}
	for i := 0; i < len(p) && len(out) < n; i++ {
		out = append(out, p[i].id)
	}
	return out
}

type keyFunc[T any] func(row *T) (string, bool)

type tableIndex[T any] struct {
	name    Index
	key     keyFunc[T]
	unique  bool
	entries map[string]*postings
}

func (ix *tableIndex[T]) add(key string, seq uint64, id string) {
	p, ok := ix.entries[key]
	if !ok {
		p = &postings{}
		ix.entries[key] = p
	}
	p.add(seq, id)
}

func (ix *tableIndex[T]) remove(key string, seq uint64) {
	p, ok := ix.entries[key]
	if !ok {
		return
	}
	p.remove(seq)
	if len(*p) == 0 {
		delete(ix.entries, key)
	}
}

type stored[T any] struct {
	seq uint64
	row T
}

// table is one keyed table with its secondary indices. It is not safe for
// concurrent use; the Store lock guards it.
type table[T any] struct {
	name    Table
	rows    map[string]*stored[T]
	order   postings
	indexes []*tableIndex[T]
	clone   func(T) T
}

func newTable[T any](name Table, clone func(T) T) *table[T] {
	return &table[T]{
		name:  name,
		rows:  make(map[string]*stored[T]),
		clone: clone,
	}
}

func (t *table[T]) withIndex(name Index, unique bool, key keyFunc[T]) *table[T] {
	t.indexes = append(t.indexes, &tableIndex[T]{
		name:    name,
		key:     key,
		unique:  unique,
		entries: make(map[string]*postings),
	})
	return t
}

func (t *table[T]) index(name Index) *tableIndex[T] {
	for _, ix := range t.indexes {
		if ix.name == name {
			return ix
		}
	}
	panic(fmt.Sprintf("store: table %s has no index %s", t.name, name))
}

func (t *table[T]) get(id string) (T, bool) {
	s, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.clone(s.row), true
}

func (t *table[T]) seqOf(id string) uint64 {
	return t.rows[id].seq
}

// insert adds a row and its index entries. Unique indices are checked
// before anything is written, so a failed insert leaves no trace.
func (t *table[T]) insert(seq uint64, id string, row T) error {
	if _, ok := t.rows[id]; ok {
		return &UniqueViolationError{Table: t.name, Index: IndexID, Key: id}
	}
	for _, ix := range t.indexes {
		if !ix.unique {
			continue
		}
		if k, ok := ix.key(&row); ok {
			if p, taken := ix.entries[k]; taken && len(*p) > 0 {
				return &UniqueViolationError{Table: t.name, Index: ix.name, Key: k}
			}
		}
	}

	t.rows[id] = &stored[T]{seq: seq, row: row}
	t.order.add(seq, id)
	for _, ix := range t.indexes {
		if k, ok := ix.key(&row); ok {
			ix.add(k, seq, id)
		}
	}
	return nil
}

// replace swaps the row stored under id and moves any index entries whose
// key changed. It returns the previous row.
func (t *table[T]) replace(id string, row T) (T, error) {
	cur := t.rows[id]
	for _, ix := range t.indexes {
		if !ix.unique {
			continue
		}
		oldKey, hadOld := ix.key(&cur.row)
		newKey, hasNew := ix.key(&row)
		if hasNew && (!hadOld || oldKey != newKey) {
			if p, taken := ix.entries[newKey]; taken && len(*p) > 0 {
				var zero T
				return zero, &UniqueViolationError{Table: t.name, Index: ix.name, Key: newKey}
			}
		}
	}

	for _, ix := range t.indexes {
		oldKey, hadOld := ix.key(&cur.row)
		newKey, hasNew := ix.key(&row)
		if hadOld == hasNew && oldKey == newKey {
			continue
		}
		if hadOld {
			ix.remove(oldKey, cur.seq)
		}
		if hasNew {
			ix.add(newKey, cur.seq, id)
		}
	}
	prev := cur.row
	cur.row = row
	return prev, nil
}

// delete exists only to undo an insert inside a failed transaction.
func (t *table[T]) delete(id string) {
	cur, ok := t.rows[id]
	if !ok {
		return
	}
	for _, ix := range t.indexes {
		if k, ok := ix.key(&cur.row); ok {
			ix.remove(k, cur.seq)
		}
	}
	t.order.remove(cur.seq)
	delete(t.rows, id)
}

// writeKeys lists every range a mutation of id from before to after could
// affect. before is nil for inserts.
func (t *table[T]) writeKeys(id string, before, after *T) []ReadKey {
	keys := []ReadKey{
		{Table: t.name, Index: IndexAll},
		{Table: t.name, Index: IndexID, Key: id},
	}
	for _, ix := range t.indexes {
		if before != nil {
			if k, ok := ix.key(before); ok {
				keys = append(keys, ReadKey{Table: t.name, Index: ix.name, Key: k})
			}
		}
		if k, ok := ix.key(after); ok {
			keys = append(keys, ReadKey{Table: t.name, Index: ix.name, Key: k})
		}
	}
	return keys
}

func (t *table[T]) collect(ids []string) []T {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.clone(t.rows[id].row))
	}
	return out
}

func (t *table[T]) scanAll(order Order, limit int) []T {
	return t.collect(t.order.ids(order, limit))
}

func (t *table[T]) scanIndex(name Index, key string, order Order, limit int) []T {
	p, ok := t.index(name).entries[key]
	if !ok {
		return []T{}
	}
	return t.collect(p.ids(order, limit))
}

func (t *table[T]) count() int {
	return len(t.rows)
}
