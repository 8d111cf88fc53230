package dmalloc

import "fmt"

// Kind is one member of the closed error taxonomy the allocator reports.
// The set is intentionally closed: callers that want to distinguish error
// classes should switch on Kind rather than compare error values directly.
type Kind int

const (
	// Setup errors.
	BadSetup Kind = iota + 1
	InTwice
	LockNotConfig

	// Pointer validity errors.
	IsNull
	NotInHeap
	NotFound
	IsFound
	BadFile
	BadLine
	UnderFence
	OverFence
	WouldOverwrite
	NotStartBlock
	NotOnBlock

	// Allocation errors.
	BadSize
	TooBig
	AllocFailed
	OverLimit
	ExternalHuge

	// Free errors.
	AlreadyFree
	FreeOverwritten
	FreeNonContig

	// Administrative errors.
	BadAdminList
	BadAdminMagic
	BadAdminCount
	BadFreeList
	BadFlag
	BadBlockOrder
	BadDblockSize
	BadDblockPointer
	BadDblockMem
	BadDbadminSlot
	BadDbadminPointer
	BadDbadminMagic
	AllocNonLinear
	BadSizeInfo
)

var kindNames = map[Kind]string{
	BadSetup:      "bad-setup",
	InTwice:       "in-twice",
	LockNotConfig: "lock-not-configured",

	IsNull:         "is-null",
	NotInHeap:      "not-in-heap",
	NotFound:       "not-found",
	IsFound:        "is-found",
	BadFile:        "bad-file",
	BadLine:        "bad-line",
	UnderFence:     "under-fence",
	OverFence:      "over-fence",
	WouldOverwrite: "would-overwrite",
	NotStartBlock:  "not-start-block",
	NotOnBlock:     "not-on-block",

	BadSize:      "bad-size",
	TooBig:       "too-big",
	AllocFailed:  "alloc-failed",
	OverLimit:    "over-limit",
	ExternalHuge: "external-huge",

	AlreadyFree:     "already-free",
	FreeOverwritten: "free-overwritten",
	FreeNonContig:   "free-non-contig",

	BadAdminList:      "bad-admin-list",
	BadAdminMagic:     "bad-admin-magic",
	BadAdminCount:     "bad-admin-count",
	BadFreeList:       "bad-free-list",
	BadFlag:           "bad-flag",
	BadBlockOrder:     "bad-block-order",
	BadDblockSize:     "bad-dblock-size",
	BadDblockPointer:  "bad-dblock-pointer",
	BadDblockMem:      "bad-dblock-mem",
	BadDbadminSlot:    "bad-dbadmin-slot",
	BadDbadminPointer: "bad-dbadmin-pointer",
	BadDbadminMagic:   "bad-dbadmin-magic",
	AllocNonLinear:    "alloc-non-linear",
	BadSizeInfo:       "bad-size-info",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// AllocError is the error type every public entry point reports through.
// Context carries a short, human-readable elaboration (e.g. the pointer
// involved, or the expected vs. actual fence bytes). errKind leaves it
// empty; errf always fills it in.
type AllocError struct {
	Kind    Kind
	Context string
}

func (e *AllocError) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Context
}

// Is lets errors.Is(err, ErrKind(BadSize)) style comparisons work, and also
// lets callers compare two *AllocError by Kind alone.
func (e *AllocError) Is(target error) bool {
	t, ok := target.(*AllocError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// errKind builds an *AllocError with no extra context.
func errKind(k Kind) *AllocError { return &AllocError{Kind: k} }

// errf builds an *AllocError with formatted context.
func errf(k Kind, format string, args ...interface{}) *AllocError {
	return &AllocError{Kind: k, Context: fmt.Sprintf(format, args...)}
}

// ErrKind returns a sentinel *AllocError of the given kind, for use with
// errors.Is at call sites: `errors.Is(err, dmalloc.ErrKind(dmalloc.BadSize))`.
func ErrKind(k Kind) error { return &AllocError{Kind: k} }
