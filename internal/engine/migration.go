package engine

import "strings"

// Restore rebuilds a ledger from records read back from disk.
//
// Files written by older versions may hold several records for the same
// person (every signin used to append). Those are folded into the first
// record, later fields overwriting earlier ones, and the number of folded
// duplicates is returned.
func Restore(d Day, records []Record) (*Ledger, int) {
	l := NewLedger(d)
	merged := 0

	for _, r := range records {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}

		if i, ok := l.index[name]; ok {
			for k, v := range r.Fields {
				l.records[i].Fields[k] = v
			}
			merged++
			continue
		}

		c := r.clone()
		c.Name = name
		l.index[name] = len(l.records)
		l.records = append(l.records, c)
	}
	return l, merged
}
