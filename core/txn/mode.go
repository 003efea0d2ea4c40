package txn

// Mode classifies a transaction by how it may touch the root object graph.
type Mode int

const (
	// ModeNone means no transaction.
	ModeNone Mode = iota
	// ModeReadWrite transactions get a private root copy and commit it.
	ModeReadWrite
	// ModeReadOnly transactions get a private root copy and discard it.
	ModeReadOnly
	// ModeSharedReadOnly transactions alias the live root with other shared
	// readers and must not mutate it.
	ModeSharedReadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeReadWrite:
		return "read-write"
	case ModeReadOnly:
		return "read-only"
	case ModeSharedReadOnly:
		return "shared-read-only"
	default:
		return "unknown"
	}
}

// modeFor maps the (readOnly, shared) request flags onto a Mode. The shared
// flag only matters for read-only requests; a read-write request always gets
// a private root.
func modeFor(readOnly, shared bool) Mode {
	switch {
	case readOnly && shared:
		return ModeSharedReadOnly
	case readOnly:
		return ModeReadOnly
	default:
		return ModeReadWrite
	}
}

// compatible decides whether a transaction in mode requested may run inline
// inside an already-active transaction in mode outer. Returns the specific
// nesting error, or nil when inline execution is allowed.
func compatible(outer, requested Mode) error {
	if outer != ModeReadWrite && requested == ModeReadWrite {
		return ErrReadWriteInReadOnly
	}
	if outer == ModeSharedReadOnly && requested != ModeSharedReadOnly {
		return ErrNonSharedInShared
	}
	return nil
}
