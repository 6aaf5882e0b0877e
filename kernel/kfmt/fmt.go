// Package kfmt implements the kernel's formatted output. None of the functions
// in this package allocate memory so they can be used before the Go allocator
// is available.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the buffer size for formatting numbers. It fits a 64-bit
// value in base 8 plus a sign.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [numBufSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer stores Printf output until an output sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output goes to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the io.Writer that Printf currently writes to. If no
// sink has been set, the early print buffer is returned.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}

	return outputSink
}

// Printf provides a minimal Printf implementation that can be used before the
// Go runtime has been fully initialized. The following subset of fmt verbs is
// supported:
//
//  %s  string or []byte
//  %d  integer, base 10
//  %o  integer, base 8
//  %x  integer, base 16 with lower-case letters
//  %t  bool
//  %%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 integers
// shorter than the width are left-padded with spaces; base-8 and base-16
// integers are left-padded with zeroes.
//
// Pointers (%p) and fmt.Stringer values are not supported: both require the
// reflect package and itables which are not yet initialized during boot.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		for width, i = 0, i+1; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 's', 'd', 'o', 'x', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 's':
			fmtString(w, args[argIndex], width)
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch str := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(str))
		// Converting str to a []byte would allocate.
		for i := 0; i < len(str); i++ {
			writeByte(w, str[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(str))
		doWrite(w, str)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt formats v, which may be any built-in integer type, in the requested
// base.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		val    uint64
		neg    bool
		padCh  = byte('0')
		digits int
	)

	switch n := v.(type) {
	case uint8:
		val = uint64(n)
	case uint16:
		val = uint64(n)
	case uint32:
		val = uint64(n)
	case uint64:
		val = n
	case uint:
		val = uint64(n)
	case uintptr:
		val = uint64(n)
	case int8:
		val, neg = abs(int64(n))
	case int16:
		val, neg = abs(int64(n))
	case int32:
		val, neg = abs(int64(n))
	case int64:
		val, neg = abs(n)
	case int:
		val, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if base == 10 {
		padCh = ' '
	}

	if width > numBufSize {
		width = numBufSize
	}

	// Digits are generated right to left at the end of numBuf.
	pos := numBufSize
	for {
		pos--
		digits++
		if d := byte(val % base); d < 10 {
			numBuf[pos] = '0' + d
		} else {
			numBuf[pos] = 'a' + d - 10
		}

		if val /= base; val == 0 {
			break
		}
	}

	signLen := 0
	if neg {
		signLen = 1
	}

	switch {
	case padCh == ' ':
		// The sign sits next to the digits, padding goes before it.
		if neg {
			pos--
			numBuf[pos] = '-'
		}
		for ; numBufSize-pos < width && pos > 0; pos-- {
			numBuf[pos-1] = ' '
		}
	default:
		for ; digits+signLen < width && pos > 1; digits++ {
			pos--
			numBuf[pos] = '0'
		}
		if neg {
			pos--
			numBuf[pos] = '-'
		}
	}

	doWrite(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

func writeRepeat(w io.Writer, b byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, b)
	}
}

// doWrite hides p from the compiler's escape analysis. Passing p directly
// to the (unknown) io.Writer makes the compiler flag it as escaping and
// every Printf call would then allocate via runtime.convT2E.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
	} else {
		_, _ = earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
