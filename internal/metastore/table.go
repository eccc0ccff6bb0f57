package metastore

import "github.com/kamusis/persona/internal/template"

// table holds the records of one type in insertion order.
type table struct {
	records []template.Record
	index   map[string]int
}

func newTable() *table {
	return &table{index: map[string]int{}}
}

func (t *table) len() int { return len(t.records) }

func (t *table) get(name string) (template.Record, bool) {
	i, ok := t.index[name]
	if !ok {
		return template.Record{}, false
	}
	return t.records[i], true
}

// put replaces any record with the same name and appends rec, so a
// re-registered template moves to the end of the insertion order.
func (t *table) put(rec template.Record) {
	t.remove(rec.Name)
	t.index[rec.Name] = len(t.records)
	t.records = append(t.records, rec)
}

// insertAt replaces any record with the same name and puts rec at position
// i, clamped to the table bounds.
func (t *table) insertAt(rec template.Record, i int) {
	t.remove(rec.Name)
	if i < 0 || i > len(t.records) {
		i = len(t.records)
	}
	t.records = append(t.records, template.Record{})
	copy(t.records[i+1:], t.records[i:])
	t.records[i] = rec
	t.reindex(i)
}

// position returns the insertion-order index of name, or -1.
func (t *table) position(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

func (t *table) reindex(from int) {
	for j := from; j < len(t.records); j++ {
		t.index[t.records[j].Name] = j
	}
}

func (t *table) remove(name string) bool {
	i, ok := t.index[name]
	if !ok {
		return false
	}
	t.records = append(t.records[:i], t.records[i+1:]...)
	delete(t.index, name)
	t.reindex(i)
	return true
}

// all returns the current records; the slice is a copy, the records are not.
func (t *table) all() []template.Record {
	return append([]template.Record(nil), t.records...)
}
