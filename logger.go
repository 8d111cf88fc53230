package dmalloc

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// transactionLogger emits structured text lines to a sink opened once on
// first use. Its own methods never call back into the allocator: the
// recursion hazard the InTwice guard targets (a log sink that itself
// allocates) cannot arise here because the sink is either a plain
// os.File or an io.Writer supplied by the embedding program, never this
// package's own Allocator.
type transactionLogger struct {
	pathTemplate string
	fallback     io.Writer

	openOnce sync.Once
	file     *os.File
	openErr  error

	line lineBuilder
}

func newTransactionLogger(pathTemplate string, fallback io.Writer) *transactionLogger {
	if fallback == nil {
		fallback = io.Discard
	}
	return &transactionLogger{pathTemplate: pathTemplate, fallback: fallback}
}

// resolvePath substitutes a single "%d" in the configured path with the
// process id, the log=PATH token's substitution convention.
func resolvePath(template string) string {
	if !strings.Contains(template, "%d") {
		return template
	}
	return strings.Replace(template, "%d", strconv.Itoa(os.Getpid()), 1)
}

func (l *transactionLogger) writer() io.Writer {
	if l.pathTemplate == "" {
		return l.fallback
	}
	l.openOnce.Do(func() {
		path := resolvePath(l.pathTemplate)
		l.file, l.openErr = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	})
	if l.openErr != nil || l.file == nil {
		return l.fallback
	}
	return l.file
}

func (l *transactionLogger) emit(b []byte) {
	_, _ = l.writer().Write(b)
}

func (l *transactionLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// logTransaction emits one line per allocate/free, gated by
// Flags.LogTrans.
func (l *transactionLogger) logTransaction(op string, key CallerKey, addr uintptr, size int) {
	l.line.reset().str(op).str(": ").caller(key).str(" ptr=").addr(addr).str(" size=").int(size)
	l.emit(l.line.bytesWithNL())
}

// logAdmin emits one line per administrative growth event (a new block
// run acquired for a block-index or aligned allocation), gated by
// Flags.LogAdmin. New descriptor pages and new divided blocks are not
// logged.
func (l *transactionLogger) logAdmin(what string, addr uintptr, n int) {
	l.line.reset().str("admin: ").str(what).str(" addr=").addr(addr).str(" blocks=").int(n)
	l.emit(l.line.bytesWithNL())
}

// logError emits a detected-error line, optionally with a hex dump of
// bytes around the offending pointer (Flags.LogBadSpace).
func (l *transactionLogger) logError(err *AllocError, around []byte, baseAddr uintptr) {
	l.line.reset().str("error: ").str(err.Error())
	l.emit(l.line.bytesWithNL())
	if around != nil {
		l.logHexDump(baseAddr, around)
	}
}

func (l *transactionLogger) logHexDump(base uintptr, b []byte) {
	l.line.reset().str("  dump @").addr(base).str(": ")
	for _, c := range b {
		l.line.buf.WriteString(fmt.Sprintf("%02x", c))
	}
	l.emit(l.line.bytesWithNL())
}

// logStats emits the shutdown summary statistics, gated by
// Flags.LogStats.
func (l *transactionLogger) logStats(s Stats) {
	l.line.reset().
		str("stats: in-use=").uint(s.BytesInUse).
		str(" total=").uint(s.BytesTotal).
		str(" peak=").uint(s.BytesPeak).
		str(" points-out=").uint(s.PointsOut).
		str(" points-ever=").uint(s.PointsEver).
		str(" checks=").uint(s.CheckCount)
	l.emit(l.line.bytesWithNL())
}

// logUnfreed emits one line per unfreed allocation at shutdown, gated by
// Flags.LogNonFree. Unknown-provenance entries are filtered (per
// Flags.LogUnknown) when the provenance report is built, before it
// reaches here; no hex dump of the allocations' bytes is emitted.
func (l *transactionLogger) logUnfreed(lines []ProvenanceReportLine) {
	for _, r := range lines {
		l.line.reset().
			str("unfreed: ").caller(r.Key).
			str(" bytes=").uint(r.BytesInUse).
			str(" count=").uint(r.CountInUse)
		l.emit(l.line.bytesWithNL())
	}
}

// logHeapMapLine emits the rendered per-block heap map, gated by
// Flags.LogBlocks (and re-emitted after every check when
// Flags.HeapCheckMap is set).
func (l *transactionLogger) logHeapMapLine(m string) {
	l.line.reset().str("heap-map: ").str(m)
	l.emit(l.line.bytesWithNL())
}
