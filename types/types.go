package types

// BusName is a type-safe wrapper for bus connection names, both unique
// (":1.42"-style) and well-known ("org.example.Service").
type BusName string

// ObjectPath is a type-safe wrapper for object paths on the bus.
type ObjectPath string

// String converts BusName to string
func (n BusName) String() string {
	return string(n)
}

// String converts ObjectPath to string
func (p ObjectPath) String() string {
	return string(p)
}

// IsUnique reports whether the name is a connection's unique name rather
// than a well-known name.
func (n BusName) IsUnique() bool {
	return len(n) > 0 && n[0] == ':'
}
