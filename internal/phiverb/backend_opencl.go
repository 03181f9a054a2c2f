//go:build opencl
// +build opencl

package phiverb

import (
	"fmt"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
)

// openclBackend offloads the waveguide update to an OpenCL device. The
// kernel source mirrors the CPU reference pass for pass; the layout probe
// lets the host verify that the device compiler agrees on struct layout
// before any boundary table is uploaded.
type openclBackend struct {
	cfg RuntimeConfig

	context *cl.Context
	queue   *cl.CommandQueue
	program *cl.Program

	pressureKernel *cl.Kernel
	boundaryKernel [3]*cl.Kernel
	zeroKernel     *cl.Kernel
	probeKernel    *cl.Kernel

	previous *cl.MemObject
	current  *cl.MemObject
	history  *cl.MemObject

	nodeBuf   *cl.MemObject
	coeffBuf  *cl.MemObject
	boundBuf  [3]*cl.MemObject
	bnodesBuf [3]*cl.MemObject
	errorBuf  *cl.MemObject
	diagBuf   *cl.MemObject

	mesh       *cl.MemObject
	meshHost   *Mesh
	numNodes   int
	deviceName string
	sink       diagSink
}

func newAcceleratorBackend(cfg RuntimeConfig) (waveguideBackend, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil || len(platforms) == 0 {
		return nil, engineErrorf(ErrBackendUnavailable, "no OpenCL platforms: %v", err)
	}
	var device *cl.Device
	for _, p := range platforms {
		devices, derr := p.GetDevices(cl.DeviceTypeGPU)
		if derr != nil && derr != cl.ErrDeviceNotFound {
			continue
		}
		if len(devices) > 0 {
			device = devices[0]
			break
		}
	}
	if device == nil {
		for _, p := range platforms {
			devices, derr := p.GetDevices(cl.DeviceTypeCPU)
			if derr != nil && derr != cl.ErrDeviceNotFound {
				continue
			}
			if len(devices) > 0 {
				device = devices[0]
				break
			}
		}
	}
	if device == nil {
		return nil, engineErrorf(ErrBackendUnavailable, "no suitable OpenCL devices found")
	}

	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	queue, err := context.CreateCommandQueue(device, 0)
	if err != nil {
		context.Release()
		return nil, fmt.Errorf("creating OpenCL command queue: %w", err)
	}
	program, err := context.CreateProgramWithSource([]string{waveguideKernelSource})
	if err != nil {
		queue.Release()
		context.Release()
		return nil, fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := program.BuildProgram([]*cl.Device{device}, ""); err != nil {
		program.Release()
		queue.Release()
		context.Release()
		return nil, fmt.Errorf("building OpenCL program: %w", err)
	}

	be := &openclBackend{
		cfg:        cfg,
		context:    context,
		queue:      queue,
		program:    program,
		deviceName: device.Name(),
	}
	kernels := []struct {
		name string
		dst  **cl.Kernel
	}{
		{"condensed_waveguide", &be.pressureKernel},
		{"update_boundary_1", &be.boundaryKernel[0]},
		{"update_boundary_2", &be.boundaryKernel[1]},
		{"update_boundary_3", &be.boundaryKernel[2]},
		{"zero_buffer", &be.zeroKernel},
		{"layout_probe", &be.probeKernel},
	}
	for _, k := range kernels {
		kernel, err := program.CreateKernel(k.name)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("creating kernel %s: %w", k.name, err)
		}
		*k.dst = kernel
	}
	return be, nil
}

func (b *openclBackend) Name() string { return "opencl:" + b.deviceName }

func (b *openclBackend) Setup(m *Mesh) error {
	b.meshHost = m
	b.numNodes = m.Descriptor.NumNodes()
	b.sink = diagSink{}

	alloc := func(size int, flags cl.MemFlag) (*cl.MemObject, error) {
		if size == 0 {
			size = 4
		}
		return b.context.CreateEmptyBuffer(flags, size)
	}
	var err error
	f32 := int(unsafe.Sizeof(float32(0)))
	if b.previous, err = alloc(b.numNodes*f32, cl.MemReadWrite); err != nil {
		return err
	}
	if b.current, err = alloc(b.numNodes*f32, cl.MemReadWrite); err != nil {
		return err
	}
	if b.history, err = alloc(b.numNodes*f32, cl.MemReadWrite); err != nil {
		return err
	}
	upload := func(ptr unsafe.Pointer, size int, flags cl.MemFlag) (*cl.MemObject, error) {
		buf, err := alloc(size, flags)
		if err != nil {
			return nil, err
		}
		if size > 0 {
			if _, err := b.queue.EnqueueWriteBuffer(buf, true, 0, size, ptr, nil); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}
	if len(m.Nodes) > 0 {
		b.nodeBuf, err = upload(unsafe.Pointer(&m.Nodes[0]),
			len(m.Nodes)*int(unsafe.Sizeof(CondensedNode{})), cl.MemReadOnly)
		if err != nil {
			return err
		}
	}
	if len(m.Coefficients) > 0 {
		b.coeffBuf, err = upload(unsafe.Pointer(&m.Coefficients[0]),
			len(m.Coefficients)*int(unsafe.Sizeof(CoefficientsCanonical{})), cl.MemReadOnly)
		if err != nil {
			return err
		}
	}
	uploadBoundary := func(i int, ptr unsafe.Pointer, size int, nodes []uint32) error {
		var err error
		if b.boundBuf[i], err = upload(ptr, size, cl.MemReadWrite); err != nil {
			return err
		}
		var nptr unsafe.Pointer
		if len(nodes) > 0 {
			nptr = unsafe.Pointer(&nodes[0])
		}
		b.bnodesBuf[i], err = upload(nptr, len(nodes)*4, cl.MemReadOnly)
		return err
	}
	var p1, p2, p3 unsafe.Pointer
	if len(m.Boundary1) > 0 {
		p1 = unsafe.Pointer(&m.Boundary1[0])
	}
	if len(m.Boundary2) > 0 {
		p2 = unsafe.Pointer(&m.Boundary2[0])
	}
	if len(m.Boundary3) > 0 {
		p3 = unsafe.Pointer(&m.Boundary3[0])
	}
	if err := uploadBoundary(0, p1, len(m.Boundary1)*int(unsafe.Sizeof(BoundaryDataArray1{})), m.BoundaryNodes1); err != nil {
		return err
	}
	if err := uploadBoundary(1, p2, len(m.Boundary2)*int(unsafe.Sizeof(BoundaryDataArray2{})), m.BoundaryNodes2); err != nil {
		return err
	}
	if err := uploadBoundary(2, p3, len(m.Boundary3)*int(unsafe.Sizeof(BoundaryDataArray3{})), m.BoundaryNodes3); err != nil {
		return err
	}
	if b.errorBuf, err = alloc(4, cl.MemReadWrite); err != nil {
		return err
	}
	if b.diagBuf, err = alloc(4*13, cl.MemReadWrite); err != nil {
		return err
	}

	for _, buf := range []*cl.MemObject{b.previous, b.current, b.history} {
		if err := b.zeroKernel.SetArgs(buf); err != nil {
			return err
		}
		if _, err := b.queue.EnqueueNDRangeKernel(b.zeroKernel, nil, []int{b.numNodes}, nil, nil); err != nil {
			return err
		}
	}
	zero := int32(0)
	if _, err := b.queue.EnqueueWriteBuffer(b.errorBuf, true, 0, 4, unsafe.Pointer(&zero), nil); err != nil {
		return err
	}
	return b.queue.Finish()
}

func (b *openclBackend) AddPressure(node uint32, value float32) error {
	if int(node) >= b.numNodes {
		return engineErrorf(ErrIndexOutOfRange, "source node %d outside mesh", node)
	}
	var sample float32
	off := int(node) * 4
	if _, err := b.queue.EnqueueReadBuffer(b.current, true, off, 4, unsafe.Pointer(&sample), nil); err != nil {
		return err
	}
	sample += value
	_, err := b.queue.EnqueueWriteBuffer(b.current, true, off, 4, unsafe.Pointer(&sample), nil)
	return err
}

func (b *openclBackend) Step(step uint32) (int32, error) {
	m := b.meshHost
	dimx := int32(m.Descriptor.Dim[0])
	dimy := int32(m.Descriptor.Dim[1])
	dimz := int32(m.Descriptor.Dim[2])

	if _, err := b.queue.EnqueueCopyBuffer(b.previous, b.history, 0, 0, b.numNodes*4, nil); err != nil {
		return 0, err
	}

	if err := b.pressureKernel.SetArgs(
		b.previous, b.current, b.nodeBuf, dimx, dimy, dimz,
		b.boundBuf[0], b.boundBuf[1], b.boundBuf[2],
		b.coeffBuf, b.errorBuf, b.diagBuf,
		uint32(b.numNodes), uint32(len(m.Coefficients)), step,
	); err != nil {
		return 0, err
	}
	if _, err := b.queue.EnqueueNDRangeKernel(b.pressureKernel, nil, []int{b.numNodes}, nil, nil); err != nil {
		return 0, err
	}
	if flags, err := b.readErrorWord(); err != nil || flags != 0 {
		return flags, err
	}

	counts := [3]int{len(m.BoundaryNodes1), len(m.BoundaryNodes2), len(m.BoundaryNodes3)}
	for d := 0; d < 3; d++ {
		if counts[d] == 0 {
			continue
		}
		if err := b.boundaryKernel[d].SetArgs(
			b.history, b.current, b.previous, b.nodeBuf, dimx, dimy, dimz,
			b.bnodesBuf[d], b.boundBuf[d], b.coeffBuf,
			b.errorBuf, b.diagBuf, step,
		); err != nil {
			return 0, err
		}
		if _, err := b.queue.EnqueueNDRangeKernel(b.boundaryKernel[d], nil, []int{counts[d]}, nil, nil); err != nil {
			return 0, err
		}
	}
	if err := b.queue.Finish(); err != nil {
		return 0, err
	}
	if b.cfg.TraceKernels {
		fmt.Printf("[waveguide][trace] step %d kernels complete on %s\n", step, b.deviceName)
	}
	b.previous, b.current = b.current, b.previous
	return b.readErrorWord()
}

func (b *openclBackend) readErrorWord() (int32, error) {
	var flags int32
	if _, err := b.queue.EnqueueReadBuffer(b.errorBuf, true, 0, 4, unsafe.Pointer(&flags), nil); err != nil {
		return 0, err
	}
	if flags != 0 {
		var raw [13]int32
		if _, err := b.queue.EnqueueReadBuffer(b.diagBuf, true, 0, 4*13, unsafe.Pointer(&raw[0]), nil); err == nil && raw[0] != 0 {
			b.sink.recordNaN(raw[1], uint32(raw[2]), uint32(raw[3]), raw[4], uint32(raw[5]),
				float32frombits(raw[6]), float32frombits(raw[7]), float32frombits(raw[8]),
				float32frombits(raw[9]), float32frombits(raw[10]),
				float32frombits(raw[11]), float32frombits(raw[12]))
		}
	}
	return flags, nil
}

func float32frombits(v int32) float32 {
	return *(*float32)(unsafe.Pointer(&v))
}

func (b *openclBackend) ReadPressure(dst []float32) error {
	if len(dst) == 0 {
		return nil
	}
	_, err := b.queue.EnqueueReadBufferFloat32(b.current, true, 0, dst, nil)
	return err
}

func (b *openclBackend) Diagnostics() *KernelDiagnostics { return b.sink.diagnostics() }

// LayoutProbe asks the device compiler for its view of the shared structs.
func (b *openclBackend) LayoutProbe() (LayoutInfo, error) {
	out, err := b.context.CreateEmptyBuffer(cl.MemWriteOnly, int(unsafe.Sizeof(LayoutInfo{})))
	if err != nil {
		return LayoutInfo{}, err
	}
	defer out.Release()
	if err := b.probeKernel.SetArgs(out); err != nil {
		return LayoutInfo{}, err
	}
	if _, err := b.queue.EnqueueNDRangeKernel(b.probeKernel, nil, []int{1}, nil, nil); err != nil {
		return LayoutInfo{}, err
	}
	var info LayoutInfo
	if _, err := b.queue.EnqueueReadBuffer(out, true, 0, int(unsafe.Sizeof(info)), unsafe.Pointer(&info), nil); err != nil {
		return LayoutInfo{}, err
	}
	return info, nil
}

func (b *openclBackend) Close() {
	release := func(m *cl.MemObject) {
		if m != nil {
			m.Release()
		}
	}
	release(b.previous)
	release(b.current)
	release(b.history)
	release(b.nodeBuf)
	release(b.coeffBuf)
	for i := 0; i < 3; i++ {
		release(b.boundBuf[i])
		release(b.bnodesBuf[i])
	}
	release(b.errorBuf)
	release(b.diagBuf)
	for _, k := range []*cl.Kernel{
		b.pressureKernel, b.boundaryKernel[0], b.boundaryKernel[1],
		b.boundaryKernel[2], b.zeroKernel, b.probeKernel,
	} {
		if k != nil {
			k.Release()
		}
	}
	if b.program != nil {
		b.program.Release()
	}
	if b.queue != nil {
		b.queue.Release()
	}
	if b.context != nil {
		b.context.Release()
	}
}
