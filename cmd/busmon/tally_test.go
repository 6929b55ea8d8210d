package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/eljojo/servicetest/eventqueue"
	"github.com/stretchr/testify/assert"
)

func TestTally(t *testing.T) {
	tl := newTally()
	changed := eventqueue.NewEvent(eventqueue.KindSignal, eventqueue.Fields{
		eventqueue.FieldSender:    ":1.1",
		eventqueue.FieldInterface: "org.example",
		eventqueue.FieldSignal:    "Changed",
	})
	call := eventqueue.NewEvent(eventqueue.KindMethodCall, eventqueue.Fields{
		eventqueue.FieldSender:    ":1.2",
		eventqueue.FieldInterface: "org.example",
		eventqueue.FieldMethod:    "Get",
	})

	tl.add(changed)
	tl.add(call)
	tl.add(changed)

	rows := tl.rows()
	assert.Equal(t, []tallyRow{
		{"signal", ":1.1", "org.example", "Changed", 2},
		{"method-call", ":1.2", "org.example", "Get", 1},
	}, rows)

	var buf bytes.Buffer
	tl.print(&buf)
	assert.Contains(t, buf.String(), "Changed")
	assert.Contains(t, strings.ToLower(buf.String()), "count")
}
