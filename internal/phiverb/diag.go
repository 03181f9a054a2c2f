package phiverb

import (
	"math"
	"sync/atomic"
)

// Kernel error-word bits, OR'd atomically by both backends.
const (
	flagOutsideMesh        int32 = 1 << 0
	flagSuspiciousBoundary int32 = 1 << 1
	flagInf                int32 = 1 << 2
	flagNaN                int32 = 1 << 3
	flagOutsideRange       int32 = 1 << 4
)

// KernelDiagnostics captures the first offending sample of a failing run.
// Float fields are stored as raw bit patterns so NaN payloads survive
// host/device round trips.
type KernelDiagnostics struct {
	Code          int32
	Step          uint32
	Node          uint32
	BoundaryIndex uint32
	LocalFace     int32
	CoeffIndex    uint32
	FiltState     uint32
	A0            uint32
	B0            uint32
	Diff          uint32
	FilterInput   uint32
	PPrev         uint32
	PNext         uint32
}

// diagSink collects the error word plus the first diagnostic record. Only
// the first non-zero write wins.
type diagSink struct {
	errorWord int32
	claimed   int32
	record    KernelDiagnostics
	step      uint32
}

func (d *diagSink) orFlags(f int32) {
	for {
		old := atomic.LoadInt32(&d.errorWord)
		if old&f == f {
			return
		}
		if atomic.CompareAndSwapInt32(&d.errorWord, old, old|f) {
			return
		}
	}
}

func (d *diagSink) flags() int32 { return atomic.LoadInt32(&d.errorWord) }

func (d *diagSink) reset() {
	atomic.StoreInt32(&d.errorWord, 0)
}

// recordNaN stores a boundary-filter diagnostic if none has been recorded.
func (d *diagSink) recordNaN(code int32, node, boundaryIndex uint32, localFace int32, coeffIndex uint32, filtState, a0, b0, diff, filterInput, pPrev, pNext float32) {
	if !atomic.CompareAndSwapInt32(&d.claimed, 0, 1) {
		return
	}
	d.record = KernelDiagnostics{
		Code:          code,
		Step:          atomic.LoadUint32(&d.step),
		Node:          node,
		BoundaryIndex: boundaryIndex,
		LocalFace:     localFace,
		CoeffIndex:    coeffIndex,
		FiltState:     math.Float32bits(filtState),
		A0:            math.Float32bits(a0),
		B0:            math.Float32bits(b0),
		Diff:          math.Float32bits(diff),
		FilterInput:   math.Float32bits(filterInput),
		PPrev:         math.Float32bits(pPrev),
		PNext:         math.Float32bits(pNext),
	}
}

// recordPressureNaN stores a pressure-level diagnostic.
func (d *diagSink) recordPressureNaN(code int32, node uint32, pPrev, pNext float32) {
	if !atomic.CompareAndSwapInt32(&d.claimed, 0, 1) {
		return
	}
	d.record = KernelDiagnostics{
		Code:  code,
		Step:  atomic.LoadUint32(&d.step),
		Node:  node,
		PPrev: math.Float32bits(pPrev),
		PNext: math.Float32bits(pNext),
	}
}

func (d *diagSink) diagnostics() *KernelDiagnostics {
	if atomic.LoadInt32(&d.claimed) == 0 {
		return nil
	}
	rec := d.record
	return &rec
}

// errorFromFlags maps a non-zero error word to the engine error kind. The
// most specific condition wins.
func errorFromFlags(flags int32, diag *KernelDiagnostics) *EngineError {
	var err *EngineError
	switch {
	case flags&flagOutsideRange != 0:
		err = engineErrorf(ErrIndexOutOfRange, "boundary index out of table bounds")
	case flags&flagNaN != 0:
		err = engineErrorf(ErrNumericalNaN, "pressure or filter state became NaN")
	case flags&flagInf != 0:
		err = engineErrorf(ErrNumericalInf, "pressure reached infinity; likely unstable coefficients")
	case flags&flagSuspiciousBoundary != 0:
		err = engineErrorf(ErrSuspiciousBoundary, "boundary classification inconsistent at runtime")
	case flags&flagOutsideMesh != 0:
		err = engineErrorf(ErrOutsideMesh, "stencil requested a non-existent neighbour")
	default:
		return nil
	}
	err.Diag = diag
	return err
}
