package eventqueue

import (
	"testing"

	"github.com/eljojo/servicetest/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestPattern_MatchesKindFieldsAndPredicate(t *testing.T) {
	e := NewEvent(KindSignal, Fields{
		FieldSignal: "Changed",
		FieldPath:   "/counter",
		FieldArgs:   []any{float64(3)},
	})

	tests := []struct {
		name    string
		pattern *Pattern
		want    bool
	}{
		{"bare kind", NewPattern(KindSignal), true},
		{"other kind", NewPattern(KindMethodCall), false},
		{"equal field", NewPattern(KindSignal, Signal("Changed")), true},
		{"different field", NewPattern(KindSignal, Signal("Removed")), false},
		{"missing field", NewPattern(KindSignal, Method("Changed")), false},
		{"args compared after json", NewPattern(KindSignal, Args(3)), true},
		{"args of other length", NewPattern(KindSignal, Args(3, 4)), false},
		{"predicate true", NewPattern(KindSignal, Where(func(e *Event) bool { return len(e.Args()) == 1 })), true},
		{"predicate false", NewPattern(KindSignal, Where(func(e *Event) bool { return false })), false},
		{"predicates combine", NewPattern(KindSignal,
			Where(func(e *Event) bool { return true }),
			Where(func(e *Event) bool { return false }),
		), false},
		{"field and predicate", NewPattern(KindSignal, Path("/counter"), Where(func(e *Event) bool {
			return e.GetString(FieldSignal) == "Changed"
		})), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pattern.Match(e))
		})
	}
}

func TestPattern_TypedStringsEqualPlainStrings(t *testing.T) {
	e := NewEvent(KindMethodCall, Fields{FieldArgs: []any{"/org/example/a"}})
	p := NewPattern(KindMethodCall, Args(types.ObjectPath("/org/example/a")))
	assert.True(t, p.Match(e))
}

func TestPattern_NestedPlainDataEqualsDecodedJSON(t *testing.T) {
	e := NewEvent(KindMethodCall, Fields{FieldArgs: []any{
		[]any{float64(1), float64(2)},
		map[string]any{"name": "a"},
	}})
	p := NewPattern(KindMethodCall, Args([]int{1, 2}, map[string]types.BusName{"name": "a"}))
	assert.True(t, p.Match(e))
}

func TestPattern_NestedValuesAreNotComparedAsJSON(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	e := NewEvent(KindMethodCall, Fields{FieldArgs: []any{errB}})
	assert.False(t, NewPattern(KindMethodCall, Args(errA)).Match(e))
	assert.True(t, NewPattern(KindMethodCall, Args(errB)).Match(e))

	type point struct{ X int }
	e = NewEvent("foo", Fields{"points": []point{{X: 1}}})
	assert.False(t, NewPattern("foo", Field("points", []point{{X: 2}})).Match(e))
	assert.False(t, NewPattern("foo", Field("points", map[string]any{"p": point{X: 1}})).Match(e))
}

func TestPattern_BytesDoNotEqualTheirBase64(t *testing.T) {
	e := NewEvent(KindSocketData, Fields{FieldData: "aGk="})
	assert.False(t, NewPattern(KindSocketData, Data([]byte("hi"))).Match(e))

	e = NewEvent(KindSocketData, Fields{FieldData: []byte("hi")})
	assert.True(t, NewPattern(KindSocketData, Data([]byte("hi"))).Match(e))
}

func TestPattern_NilEventNeverMatches(t *testing.T) {
	assert.False(t, NewPattern(KindSignal).Match(nil))
}

func TestPattern_FieldsOfOtherTypesDoNotMatch(t *testing.T) {
	e := NewEvent("foo", Fields{"value": "1"})
	assert.False(t, NewPattern("foo", Field("value", 1)).Match(e))
}

func TestPattern_String(t *testing.T) {
	p := NewPattern(KindMethodCall, Method("Get"), Interface("org.example"), Where(func(*Event) bool { return true }))
	assert.Equal(t, "method-call{interface=org.example, method=Get, predicate}", p.String())
}

func TestEvent_MissingFieldsAreReportedNotFatal(t *testing.T) {
	e := NewEvent("foo", nil)

	_, ok := e.Get(FieldArgs)
	assert.False(t, ok)
	assert.Equal(t, "", e.GetString(FieldMethod))
	assert.Nil(t, e.Args())
	assert.Nil(t, e.Err())
	assert.Nil(t, e.Message())
	assert.False(t, e.Handled())
}

func TestEvent_FieldsAreCopied(t *testing.T) {
	fields := Fields{"a": 1}
	e := NewEvent("foo", fields)
	fields["a"] = 2

	v, _ := e.Get("a")
	assert.Equal(t, 1, v)

	e.Fields()["a"] = 3
	v, _ = e.Get("a")
	assert.Equal(t, 1, v)
}

func TestFormatEvent(t *testing.T) {
	e := NewEvent(KindError, Fields{
		FieldMethod: "Get",
		FieldError:  assert.AnError,
	})

	lines := FormatEvent(e)
	assert.Equal(t, "- kind error", lines[0])
	assert.Contains(t, lines[1], "- error: ")
	assert.Equal(t, assert.AnError.Error(), lines[2])
	assert.Equal(t, `- method: Get`, lines[3])
}
