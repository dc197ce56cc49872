package depot

// Attributes is a free-form nested key/value bag carried by components and
// assets. Nested children are themselves Attributes, created on demand.
type Attributes map[string]any

// NewAttributes returns an empty attribute bag.
func NewAttributes() Attributes {
	return make(Attributes)
}

// Child returns the nested bag stored under name, creating it if absent.
// A non-bag value already stored under name is replaced.
func (a Attributes) Child(name string) Attributes {
	if child, ok := a[name].(Attributes); ok {
		return child
	}
	child := make(Attributes)
	a[name] = child
	return child
}

// Set stores a value under key.
func (a Attributes) Set(key string, value any) {
	a[key] = value
}

// Get returns the value stored under key, or nil.
func (a Attributes) Get(key string) any {
	return a[key]
}

// GetString returns the value under key if it is a string, else "".
func (a Attributes) GetString(key string) string {
	s, _ := a[key].(string)
	return s
}

// Clone returns a deep copy; nested Attributes children are copied, other
// values are shared.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if child, ok := v.(Attributes); ok {
			out[k] = child.Clone()
		} else {
			out[k] = v
		}
	}
	return out
}
