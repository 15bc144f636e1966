package table

// Virtual is a field with no persistent storage, computed entirely at
// read time from other tables (§4.4): size (max over format sizes) and
// ondevice (membership in an on-device virtual library, supplied by an
// external collaborator the core doesn't own).
type Virtual struct {
	name    string
	compute func(bookID int64) (any, bool)
}

// NewVirtual wraps a compute function as a Virtual table.
func NewVirtual(name string, compute func(bookID int64) (any, bool)) *Virtual {
	return &Virtual{name: name, compute: compute}
}

func (v *Virtual) Name() string { return v.name }

// ForBook evaluates the virtual field for a single book.
func (v *Virtual) ForBook(bookID int64) (any, bool) {
	if v.compute == nil {
		return nil, false
	}
	return v.compute(bookID)
}
