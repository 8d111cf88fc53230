package dmalloc

import (
	"strconv"
	"strings"
)

// Policy selects how the free-block index picks a candidate run among
// those large enough to satisfy a request.
type Policy int

const (
	// FirstFit stops at the first free run at least as large as needed.
	FirstFit Policy = iota
	// BestFit scans the whole size class to minimize over-allocation.
	BestFit
	// WorstFit prefers the largest available run.
	WorstFit
)

func (p Policy) String() string {
	switch p {
	case FirstFit:
		return "first-fit"
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return "unknown-policy"
	}
}

// NullMode governs Free(nil)'s behavior. All three conventions an
// allocator might reasonably want are implemented and selected at
// runtime via Config.Flags.NullMode.
type NullMode int

const (
	// IsNullIgnore makes Free(nil) a silent no-op. Default.
	IsNullIgnore NullMode = iota
	// IsNullWarn logs a line and proceeds as a no-op.
	IsNullWarn
	// IsNullError returns ErrKind(IsNull).
	IsNullError
)

// FlagSet is the decoded form of the "debug=HEX" bitmask plus its
// symbolic-alias tokens. Each field corresponds to one named bit.
type FlagSet struct {
	LogStats       bool
	LogNonFree     bool
	LogTrans       bool
	LogAdmin       bool
	LogBlocks      bool
	LogUnknown     bool
	LogBadSpace    bool
	LogNonfreeSpace bool
	CheckFence     bool
	CheckHeap      bool
	CheckLists     bool
	CheckFree      bool
	CheckFuncs     bool
	ReallocCopy    bool
	FreeBlank      bool
	ErrorAbort     bool
	AllocBlank     bool
	HeapCheckMap   bool
	PrintError     bool
	CatchNull      bool
	NeverReuse     bool
	AllowNonlinear bool

	NullMode NullMode
}

// flag bit positions within the "debug=HEX" word, in the order their
// symbolic aliases are listed below.
const (
	bitLogStats = 1 << iota
	bitLogNonFree
	bitLogTrans
	bitLogAdmin
	bitLogBlocks
	bitLogUnknown
	bitLogBadSpace
	bitLogNonfreeSpace
	bitCheckFence
	bitCheckHeap
	bitCheckLists
	bitCheckFree
	bitCheckFuncs
	bitReallocCopy
	bitFreeBlank
	bitErrorAbort
	bitAllocBlank
	bitHeapCheckMap
	bitPrintError
	bitCatchNull
	bitNeverReuse
	bitAllowNonlinear
)

// flagsFromBits decodes a raw "debug=HEX" bitmask into a FlagSet.
func flagsFromBits(bits uint64) FlagSet {
	has := func(bit uint64) bool { return bits&bit != 0 }
	return FlagSet{
		LogStats:        has(bitLogStats),
		LogNonFree:      has(bitLogNonFree),
		LogTrans:        has(bitLogTrans),
		LogAdmin:        has(bitLogAdmin),
		LogBlocks:       has(bitLogBlocks),
		LogUnknown:      has(bitLogUnknown),
		LogBadSpace:     has(bitLogBadSpace),
		LogNonfreeSpace: has(bitLogNonfreeSpace),
		CheckFence:      has(bitCheckFence),
		CheckHeap:       has(bitCheckHeap),
		CheckLists:      has(bitCheckLists),
		CheckFree:       has(bitCheckFree),
		CheckFuncs:      has(bitCheckFuncs),
		ReallocCopy:     has(bitReallocCopy),
		FreeBlank:       has(bitFreeBlank),
		ErrorAbort:      has(bitErrorAbort),
		AllocBlank:      has(bitAllocBlank),
		HeapCheckMap:    has(bitHeapCheckMap),
		PrintError:      has(bitPrintError),
		CatchNull:       has(bitCatchNull),
		NeverReuse:      has(bitNeverReuse),
		AllowNonlinear:  has(bitAllowNonlinear),
	}
}

// aliasBits maps each symbolic token name to its flag bit.
var aliasBits = map[string]uint64{
	"log-stats":        bitLogStats,
	"log-non-free":     bitLogNonFree,
	"log-trans":        bitLogTrans,
	"log-admin":        bitLogAdmin,
	"log-blocks":       bitLogBlocks,
	"log-unknown":      bitLogUnknown,
	"log-bad-space":    bitLogBadSpace,
	"log-nonfree-space": bitLogNonfreeSpace,
	"check-fence":      bitCheckFence,
	"check-heap":       bitCheckHeap,
	"check-lists":      bitCheckLists,
	"check-free":       bitCheckFree,
	"check-funcs":      bitCheckFuncs,
	"realloc-copy":     bitReallocCopy,
	"free-blank":       bitFreeBlank,
	"error-abort":      bitErrorAbort,
	"alloc-blank":      bitAllocBlank,
	"heap-check-map":   bitHeapCheckMap,
	"print-error":      bitPrintError,
	"catch-null":       bitCatchNull,
	"never-reuse":      bitNeverReuse,
	"allow-nonlinear":  bitAllowNonlinear,
}

// Config bundles every tunable the allocation core, free-block index,
// divided-block engine and integrity checker consult. Its zero value is
// not directly usable; call DefaultConfig to get sane defaults.
type Config struct {
	// BlockSize is the tunable basic-block size in bytes; must be a power
	// of two. Default 4096.
	BlockSize int
	// SmallestBlock is the minimum chunk size in bytes; must be a power
	// of two no larger than BlockSize/2. Default 16.
	SmallestBlock int
	// LargestBlock is the largest single allocation's size in bytes,
	// expressed as a power of two. Default 1<<24.
	LargestBlock int

	// FenceBottom and FenceTop are the widths, in bytes, of the fence
	// regions bracketing every user allocation. Zero disables fencing
	// for that side regardless of Flags.CheckFence.
	FenceBottom int
	FenceTop    int

	// Policy selects the free-block index's run-selection strategy.
	Policy Policy

	// CheckInterval runs the full heap checker every N-th call when
	// Flags.CheckHeap is set (0 means "every call").
	CheckInterval int

	// StartAfterCount delays heap checking until the N-th allocation;
	// StartAfterFile/StartAfterLine delay it until that call site is
	// seen. Both may be zero/"" to mean "start immediately".
	StartAfterCount int
	StartAfterFile  string
	StartAfterLine  int

	// WatchAddr, if non-zero, kills the process (via PanicHook) the
	// WatchN-th time the engine hands out or receives exactly WatchAddr;
	// a WatchN of 1 or less fires on the first hit.
	WatchAddr uintptr
	WatchN    int

	// DelayReuseIterations, if > 0, enables delayed reuse: a freed slot
	// is not handed out again until this many allocator iterations have
	// passed.
	DelayReuseIterations int

	// AllowZeroSize, when true, lets a size=0 request through as a
	// distinct, non-aliased pointer instead of failing with BadSize.
	AllowZeroSize bool

	// ProvenanceTableSize is the number of distinct (file,line) buckets
	// tracked before falling back to the overflow bucket. The table is
	// sized to 2x this for open addressing headroom.
	ProvenanceTableSize int

	// LogPath is the transaction log destination; a single "%d" is
	// replaced with the process id. Empty means no log file: log output
	// is discarded.
	LogPath string

	// PanicHook is invoked instead of returning an error when
	// Flags.ErrorAbort is set. Defaults to a hook that panics.
	PanicHook func(err error)

	Flags FlagSet
}

// DefaultConfig returns the allocator's out-of-the-box tuning: 4096-byte
// basic blocks, 16-byte minimum chunks, 16-byte fences, first-fit
// selection, no debug checking enabled — fast by default, with debugging
// turned on explicitly when it's wanted.
func DefaultConfig() Config {
	return Config{
		BlockSize:           4096,
		SmallestBlock:       16,
		LargestBlock:        1 << 24,
		FenceBottom:         16,
		FenceTop:            16,
		Policy:              FirstFit,
		CheckInterval:       0,
		ProvenanceTableSize: 1024,
		PanicHook: func(err error) {
			panic(err)
		},
	}
}

// ParseOptions turns a comma/colon-separated configuration string into a
// Config seeded from DefaultConfig. Unknown tokens are ignored rather
// than rejected, so an option string carrying tokens from a newer build
// still parses cleanly.
//
// This parser is deliberately minimal: a small split-and-switch over a
// handful of known tokens needs no third-party flags/CLI library (see
// DESIGN.md).
func ParseOptions(s string) (Config, error) {
	cfg := DefaultConfig()
	if s == "" {
		return cfg, nil
	}

	var bits uint64
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, hasVal := strings.Cut(tok, "=")
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch key {
		case "log":
			cfg.LogPath = val
		case "debug":
			raw := strings.TrimPrefix(val, "0x")
			v, err := strconv.ParseUint(raw, 16, 64)
			if err != nil {
				return Config{}, errf(BadFlag, "debug=%s: %v", val, err)
			}
			bits |= v
		case "addr":
			addrStr, nStr, hasN := strings.Cut(val, ":")
			a, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
			if err != nil {
				return Config{}, errf(BadFlag, "addr=%s: %v", val, err)
			}
			cfg.WatchAddr = uintptr(a)
			cfg.WatchN = 1
			if hasN {
				n, err := strconv.Atoi(nStr)
				if err != nil {
					return Config{}, errf(BadFlag, "addr=%s: %v", val, err)
				}
				cfg.WatchN = n
			}
		case "inter":
			n, err := strconv.Atoi(val)
			if err != nil {
				return Config{}, errf(BadFlag, "inter=%s: %v", val, err)
			}
			cfg.CheckInterval = n
		case "start":
			if file, line, ok := strings.Cut(val, ":"); ok {
				cfg.StartAfterFile = file
				n, err := strconv.Atoi(line)
				if err != nil {
					return Config{}, errf(BadFlag, "start=%s: %v", val, err)
				}
				cfg.StartAfterLine = n
			} else {
				n, err := strconv.Atoi(val)
				if err != nil {
					return Config{}, errf(BadFlag, "start=%s: %v", val, err)
				}
				cfg.StartAfterCount = n
			}
		default:
			if !hasVal {
				if bit, ok := aliasBits[key]; ok {
					bits |= bit
				}
			}
		}
	}

	cfg.Flags = flagsFromBits(bits)
	if !cfg.Flags.CheckFence {
		cfg.FenceBottom = 0
		cfg.FenceTop = 0
	}
	return cfg, nil
}
