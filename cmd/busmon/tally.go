package main

import (
	"io"
	"sort"

	"github.com/eljojo/servicetest/eventqueue"
	"github.com/kataras/tablewriter"
	"github.com/lensesio/tableprinter"
)

type tallyRow struct {
	Kind      string `header:"kind"`
	Sender    string `header:"sender"`
	Interface string `header:"interface"`
	Member    string `header:"member"`
	Count     int    `header:"count"`
}

type tallyKey struct {
	kind, sender, iface, member string
}

// tally counts observed events by kind, sender and member.
type tally struct {
	counts map[tallyKey]int
}

func newTally() *tally {
	return &tally{counts: make(map[tallyKey]int)}
}

func (t *tally) add(e *eventqueue.Event) {
	member := e.GetString(eventqueue.FieldMethod)
	if e.Kind() == eventqueue.KindSignal {
		member = e.GetString(eventqueue.FieldSignal)
	}

	t.counts[tallyKey{
		kind:   string(e.Kind()),
		sender: e.GetString(eventqueue.FieldSender),
		iface:  e.GetString(eventqueue.FieldInterface),
		member: member,
	}]++
}

func (t *tally) rows() []tallyRow {
	rows := make([]tallyRow, 0, len(t.counts))
	for k, n := range t.counts {
		rows = append(rows, tallyRow{k.kind, k.sender, k.iface, k.member, n})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		if rows[i].Kind != rows[j].Kind {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Interface+"."+rows[i].Member < rows[j].Interface+"."+rows[j].Member
	})
	return rows
}

func (t *tally) print(w io.Writer) {
	printer := tableprinter.New(w)

	printer.BorderTop, printer.BorderBottom, printer.BorderLeft, printer.BorderRight = true, true, true, true
	printer.CenterSeparator = "│"
	printer.ColumnSeparator = "│"
	printer.RowSeparator = "─"
	printer.HeaderBgColor = tablewriter.BgBlackColor
	printer.HeaderFgColor = tablewriter.FgGreenColor

	printer.Print(t.rows())
}
