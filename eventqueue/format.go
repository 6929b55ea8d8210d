package eventqueue

import (
	"fmt"
	"sort"

	"github.com/davecgh/go-spew/spew"
)

var fieldPrinter = spew.ConfigState{
	Indent:                  " ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// FormatEvent renders an event as one line for the kind followed by one
// line per field, sorted by name. Error fields get an extra line with the
// plain error text.
func FormatEvent(e *Event) []string {
	if e == nil {
		return []string{"- <nil event>"}
	}

	lines := []string{fmt.Sprintf("- kind %s", e.kind)}

	names := make([]string, 0, len(e.fields))
	for name := range e.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := e.fields[name]
		lines = append(lines, fmt.Sprintf("- %s: %s", name, fieldPrinter.Sprintf("%+v", value)))

		if err, ok := value.(error); ok && name == FieldError {
			lines = append(lines, err.Error())
		}
	}

	return lines
}
