package store

import (
	"sort"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

// Table names the logical tables of the store
type Table string

const (
	TableAgents Table = "agents"
	TableTasks  Table = "tasks"
	TableLogs   Table = "logs"
)

// Index names a lookup path into a table. IndexAll is the whole-table
// range and IndexID is the primary key.
type Index string

const (
	IndexAll      Index = "*"
	IndexID       Index = "by_id"
	IndexBySlug   Index = "by_slug"
	IndexByAgent  Index = "by_agent"
	IndexByStatus Index = "by_status"
	IndexByTask   Index = "by_task"
)

// ReadKey is one (table, index, key) range a query touched, or a write could affect.
type ReadKey struct {
	Table Table
	Index Index
	Key   string
}

// ReadSet is the set of ranges a query touched on its last execution.
type ReadSet map[ReadKey]struct{}

// Add records k in the set
func (rs ReadSet) Add(k ReadKey) {
	rs[k] = struct{}{}
}

// Contains reports whether k is in the set
func (rs ReadSet) Contains(k ReadKey) bool {
	_, ok := rs[k]
	return ok
}

// Keys returns the members sorted, for logging and tests
func (rs ReadSet) Keys() []ReadKey {
	keys := make([]ReadKey, 0, len(rs))
	for k := range rs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Key < b.Key
	})
	return keys
}

// Op is the kind of row mutation in a change
type Op string

const (
	OpInsert Op = "insert"
	OpPatch  Op = "patch"
)

// Change is the after-image of one mutated row plus the ranges it affected.
// Exactly one of Agent, Task or Log is set, matching Table.
type Change struct {
	Table Table
	Op    Op
	ID    string
	Seq   uint64

	Agent *models.Agent
	Task  *models.Task
	Log   *models.Log

	keys []ReadKey
}

// Keys returns the ranges this change could have affected: the table
// range, the row id, and the before and after value of every index.
func (c Change) Keys() []ReadKey {
	return c.keys
}

// Commit describes one successfully applied transaction.
type Commit struct {
	Seq       uint64
	Timestamp int64
	Changes   []Change
}

// WriteSet is the union of the keys of every change in the commit
func (c *Commit) WriteSet() ReadSet {
	ws := make(ReadSet)
	for _, ch := range c.Changes {
		for _, k := range ch.keys {
			ws.Add(k)
		}
	}
	return ws
}
