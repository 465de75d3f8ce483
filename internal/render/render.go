// Package render drives the GPU side of the visualizer: a compute-only
// Vulkan device running an ordered chain of SPIR-V shaders over the audio
// snapshot each frame. The package owns the buffer and push-constant
// contract the shaders compile against; windowing is someone else's job and
// reaches us only through the Presenter seam.
//
// Shader contract, identical for every shader in the chain:
//
//	binding 0  storage buffer  signal ring   { int size; int write_index; float data[]; }
//	binding 1  storage buffer  bass ring     { int size; int write_index; float data[]; }
//	binding 2  storage buffer  signal DFT    { int size; float data[]; }
//	binding 3  storage buffer  bass DFT      { int size; float data[]; }
//	binding 4  storage image   intermediate
//	binding 5  storage image   canvas
//	binding 6  storage image   accent
//	binding 7  storage image   present
//
// plus the push-constant block in frame.go. Workgroups are 8×8; the
// dispatch covers the present image.
package render

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"

	"github.com/linuxmatters/bassline/internal/spectrum"
)

// slotCount is the depth of frame buffering: the audio snapshot is staged
// into one slot while the GPU still reads the other.
const slotCount = 2

// Options sizes the renderer.
type Options struct {
	Width, Height uint32
	// ShaderPaths are SPIR-V files dispatched in order each frame.
	ShaderPaths []string
	// SignalLen and BassLen are the ring capacities, in samples.
	SignalLen int
	BassLen   int
	// DFTSize is the spectrum window size.
	DFTSize    int
	SampleRate int
}

// Presenter consumes the finished present image each frame. The offscreen
// implementation in this package just hands the pixels to a callback; a
// windowing layer would blit them to a surface.
type Presenter interface {
	// Present receives the frame as tightly packed RGBA, Width×Height.
	Present(rgba []byte, width, height uint32)
}

// frameSlot is one lane of the double buffer: host-visible storage buffers
// with their descriptor set, command buffer, and fence.
type frameSlot struct {
	signal    gpuBuffer
	bass      gpuBuffer
	signalDFT gpuBuffer
	bassDFT   gpuBuffer

	descriptorSet vk.DescriptorSet
	commandBuffer vk.CommandBuffer
	fence         vk.Fence
	submitted     bool
}

// Renderer owns the Vulkan device and everything on it.
type Renderer struct {
	opts   Options
	logger *log.Logger

	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	device         vk.Device
	queue          vk.Queue
	queueFamily    uint32
	commandPool    vk.CommandPool

	setLayout      vk.DescriptorSetLayout
	pipelineLayout vk.PipelineLayout
	descriptorPool vk.DescriptorPool

	intermediate gpuImage
	canvas       gpuImage
	accent       gpuImage
	present      gpuImage

	readback gpuBuffer // host-visible staging for presenter readback

	slots [slotCount]frameSlot
	chain []*shaderStage

	signalDFTAnalyzer *spectrum.Analyzer
	bassDFTAnalyzer   *spectrum.Analyzer
	dftWindow         []float32
	dftBins           []float32

	presenter  Presenter
	rgba       []byte // presenter copy of the readback buffer
	frameIndex uint64
	lastBeats  uint64 // RealBeats at the previous frame, for the is-beat edge
	start      time.Time
}

// New brings up the device and builds every GPU object. GPU errors here are
// fatal; after New succeeds, per-frame errors (a broken shader edit) leave
// the previous pipeline running.
func New(opts Options, logger *log.Logger) (*Renderer, error) {
	if opts.Width == 0 || opts.Height == 0 {
		return nil, fmt.Errorf("render: zero-sized present image %dx%d", opts.Width, opts.Height)
	}
	if len(opts.ShaderPaths) == 0 {
		return nil, fmt.Errorf("render: no shaders configured")
	}

	sigDFT, err := spectrum.New(opts.DFTSize)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	bassDFT, err := spectrum.New(opts.DFTSize)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	r := &Renderer{
		opts:              opts,
		logger:            logger,
		signalDFTAnalyzer: sigDFT,
		bassDFTAnalyzer:   bassDFT,
		dftWindow:         make([]float32, opts.DFTSize),
		dftBins:           make([]float32, sigDFT.Bins()),
		start:             time.Now(),
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"instance", r.createInstance},
		{"device", r.createDevice},
		{"command pool", r.createCommandPool},
		{"images", r.createImages},
		{"buffers", r.createBuffers},
		{"descriptors", r.createDescriptors},
		{"pipelines", r.createPipelines},
		{"image layouts", r.initImageLayouts},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			r.Close()
			return nil, fmt.Errorf("render: %s: %w", step.name, err)
		}
	}

	logger.Info("renderer ready",
		"size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"shaders", len(r.chain))
	return r, nil
}

// SetPresenter installs the present-image consumer. Without one, frames
// are computed but never read back.
func (r *Renderer) SetPresenter(p Presenter) {
	r.presenter = p
}

// createInstance loads the Vulkan loader and creates the instance.
func (r *Renderer) createInstance() error {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return fmt.Errorf("vulkan loader: %w", err)
	}
	if err := vk.Init(); err != nil {
		return fmt.Errorf("vulkan init: %w", err)
	}

	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   safeString("Bassline"),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        safeString("bassline"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 1, 0),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return fmt.Errorf("vkCreateInstance failed: %d", res)
	}
	r.instance = instance
	vk.InitInstance(instance)
	return nil
}

// createDevice picks the first physical device with a compute queue and
// creates a logical device on it.
func (r *Renderer) createDevice() error {
	var deviceCount uint32
	vk.EnumeratePhysicalDevices(r.instance, &deviceCount, nil)
	if deviceCount == 0 {
		return fmt.Errorf("no Vulkan devices found")
	}
	devices := make([]vk.PhysicalDevice, deviceCount)
	vk.EnumeratePhysicalDevices(r.instance, &deviceCount, devices)

	for _, device := range devices {
		var queueFamilyCount uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, nil)
		queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
		vk.GetPhysicalDeviceQueueFamilyProperties(device, &queueFamilyCount, queueFamilies)

		for i, qf := range queueFamilies {
			qf.Deref()
			if qf.QueueFlags&vk.QueueFlags(vk.QueueComputeBit) != 0 {
				r.physicalDevice = device
				r.queueFamily = uint32(i)
				goto found
			}
		}
	}
	return fmt.Errorf("no compute-capable queue family found")

found:
	queueCreateInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: r.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}
	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueCreateInfo},
	}

	var device vk.Device
	if res := vk.CreateDevice(r.physicalDevice, &deviceCreateInfo, nil, &device); res != vk.Success {
		return fmt.Errorf("vkCreateDevice failed: %d", res)
	}
	r.device = device

	var queue vk.Queue
	vk.GetDeviceQueue(device, r.queueFamily, 0, &queue)
	r.queue = queue
	return nil
}

// createCommandPool creates the pool plus one command buffer and fence per
// frame slot.
func (r *Renderer) createCommandPool() error {
	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
		QueueFamilyIndex: r.queueFamily,
	}
	var pool vk.CommandPool
	if res := vk.CreateCommandPool(r.device, &poolInfo, nil, &pool); res != vk.Success {
		return fmt.Errorf("vkCreateCommandPool failed: %d", res)
	}
	r.commandPool = pool

	allocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: slotCount,
	}
	commandBuffers := make([]vk.CommandBuffer, slotCount)
	if res := vk.AllocateCommandBuffers(r.device, &allocInfo, commandBuffers); res != vk.Success {
		return fmt.Errorf("vkAllocateCommandBuffers failed: %d", res)
	}

	fenceInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
		Flags: vk.FenceCreateFlags(vk.FenceCreateSignaledBit),
	}
	for i := range r.slots {
		r.slots[i].commandBuffer = commandBuffers[i]
		var fence vk.Fence
		if res := vk.CreateFence(r.device, &fenceInfo, nil, &fence); res != vk.Success {
			return fmt.Errorf("vkCreateFence failed: %d", res)
		}
		r.slots[i].fence = fence
	}
	return nil
}

// Close releases every GPU object. Safe to call on a partially constructed
// renderer.
func (r *Renderer) Close() {
	if r.device != nil {
		vk.DeviceWaitIdle(r.device)
	}

	for _, stage := range r.chain {
		stage.destroy(r.device)
	}
	r.chain = nil

	for i := range r.slots {
		r.slots[i].signal.destroy(r.device)
		r.slots[i].bass.destroy(r.device)
		r.slots[i].signalDFT.destroy(r.device)
		r.slots[i].bassDFT.destroy(r.device)
		if r.slots[i].fence != vk.NullFence {
			vk.DestroyFence(r.device, r.slots[i].fence, nil)
			r.slots[i].fence = vk.NullFence
		}
	}
	r.readback.destroy(r.device)

	r.intermediate.destroy(r.device)
	r.canvas.destroy(r.device)
	r.accent.destroy(r.device)
	r.present.destroy(r.device)

	if r.descriptorPool != vk.NullDescriptorPool {
		vk.DestroyDescriptorPool(r.device, r.descriptorPool, nil)
		r.descriptorPool = vk.NullDescriptorPool
	}
	if r.pipelineLayout != vk.NullPipelineLayout {
		vk.DestroyPipelineLayout(r.device, r.pipelineLayout, nil)
		r.pipelineLayout = vk.NullPipelineLayout
	}
	if r.setLayout != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(r.device, r.setLayout, nil)
		r.setLayout = vk.NullDescriptorSetLayout
	}
	if r.commandPool != vk.NullCommandPool {
		vk.DestroyCommandPool(r.device, r.commandPool, nil)
		r.commandPool = vk.NullCommandPool
	}
	if r.device != nil {
		vk.DestroyDevice(r.device, nil)
		r.device = nil
	}
	if r.instance != nil {
		vk.DestroyInstance(r.instance, nil)
		r.instance = nil
	}
}

// safeString null-terminates a string for Vulkan.
func safeString(s string) string {
	return s + "\x00"
}
