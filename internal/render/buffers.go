package render

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Descriptor bindings shared by every shader in the chain. Fixed: shaders
// compile against these numbers.
const (
	bindingSignal    = 0
	bindingBass      = 1
	bindingSignalDFT = 2
	bindingBassDFT   = 3
	bindingInterm    = 4
	bindingCanvas    = 5
	bindingAccent    = 6
	bindingPresent   = 7
)

// ringHeaderBytes is the {int size; int write_index;} prefix of the ring
// buffers; dftHeaderBytes the {int size;} prefix of the DFT buffers.
const (
	ringHeaderBytes = 8
	dftHeaderBytes  = 4
)

// gpuBuffer is a host-visible buffer mapped for the renderer's lifetime.
type gpuBuffer struct {
	buffer vk.Buffer
	memory vk.DeviceMemory
	size   vk.DeviceSize
	mapped []byte
}

// newBuffer creates and persistently maps a host-visible buffer.
func (r *Renderer) newBuffer(size int, usage vk.BufferUsageFlagBits) (gpuBuffer, error) {
	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buffer vk.Buffer
	if res := vk.CreateBuffer(r.device, &bufferInfo, nil, &buffer); res != vk.Success {
		return gpuBuffer{}, fmt.Errorf("vkCreateBuffer failed: %d", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(r.device, buffer, &memReqs)
	memReqs.Deref()

	memTypeIndex, err := r.findMemoryType(memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		vk.DestroyBuffer(r.device, buffer, nil)
		return gpuBuffer{}, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(r.device, &allocInfo, nil, &memory); res != vk.Success {
		vk.DestroyBuffer(r.device, buffer, nil)
		return gpuBuffer{}, fmt.Errorf("vkAllocateMemory failed: %d", res)
	}
	vk.BindBufferMemory(r.device, buffer, memory, 0)

	var data unsafe.Pointer
	if res := vk.MapMemory(r.device, memory, 0, vk.DeviceSize(size), 0, &data); res != vk.Success {
		vk.FreeMemory(r.device, memory, nil)
		vk.DestroyBuffer(r.device, buffer, nil)
		return gpuBuffer{}, fmt.Errorf("vkMapMemory failed: %d", res)
	}

	return gpuBuffer{
		buffer: buffer,
		memory: memory,
		size:   vk.DeviceSize(size),
		mapped: unsafe.Slice((*byte)(data), size),
	}, nil
}

func (b *gpuBuffer) destroy(device vk.Device) {
	if device == nil || b.buffer == vk.NullBuffer {
		return
	}
	vk.UnmapMemory(device, b.memory)
	vk.DestroyBuffer(device, b.buffer, nil)
	vk.FreeMemory(device, b.memory, nil)
	b.buffer = vk.NullBuffer
	b.mapped = nil
}

// writeRing stages a ring snapshot into a buffer in the {size, write_index,
// data[]} layout.
func (b *gpuBuffer) writeRing(data []float32, writeIndex int32) {
	putInt32(b.mapped[0:], int32(len(data)))
	putInt32(b.mapped[4:], writeIndex)
	copyFloats(b.mapped[ringHeaderBytes:], data)
}

// writeDFT stages magnitudes into a buffer in the {size, data[]} layout.
func (b *gpuBuffer) writeDFT(bins []float32) {
	putInt32(b.mapped[0:], int32(len(bins)))
	copyFloats(b.mapped[dftHeaderBytes:], bins)
}

func putInt32(dst []byte, v int32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func copyFloats(dst []byte, src []float32) {
	copy(dst, unsafe.Slice((*byte)(unsafe.Pointer(&src[0])), len(src)*4))
}

// gpuImage is a device-local storage image.
type gpuImage struct {
	image  vk.Image
	memory vk.DeviceMemory
	view   vk.ImageView
}

// newStorageImage creates a device-local RGBA8 storage image.
func (r *Renderer) newStorageImage(width, height uint32, extraUsage vk.ImageUsageFlagBits) (gpuImage, error) {
	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    vk.FormatR8g8b8a8Unorm,
		Extent: vk.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageStorageBit | extraUsage),
		InitialLayout: vk.ImageLayoutUndefined,
	}
	var image vk.Image
	if res := vk.CreateImage(r.device, &imageInfo, nil, &image); res != vk.Success {
		return gpuImage{}, fmt.Errorf("vkCreateImage failed: %d", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(r.device, image, &memReqs)
	memReqs.Deref()

	memTypeIndex, err := r.findMemoryType(memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(r.device, image, nil)
		return gpuImage{}, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(r.device, &allocInfo, nil, &memory); res != vk.Success {
		vk.DestroyImage(r.device, image, nil)
		return gpuImage{}, fmt.Errorf("vkAllocateMemory (image) failed: %d", res)
	}
	vk.BindImageMemory(r.device, image, memory, 0)

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   vk.FormatR8g8b8a8Unorm,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vk.ImageView
	if res := vk.CreateImageView(r.device, &viewInfo, nil, &view); res != vk.Success {
		vk.FreeMemory(r.device, memory, nil)
		vk.DestroyImage(r.device, image, nil)
		return gpuImage{}, fmt.Errorf("vkCreateImageView failed: %d", res)
	}

	return gpuImage{image: image, memory: memory, view: view}, nil
}

func (img *gpuImage) destroy(device vk.Device) {
	if device == nil || img.image == vk.NullImage {
		return
	}
	vk.DestroyImageView(device, img.view, nil)
	vk.DestroyImage(device, img.image, nil)
	vk.FreeMemory(device, img.memory, nil)
	img.image = vk.NullImage
}

// createImages builds the four storage images. Canvas and accent persist
// between frames (shaders accumulate into them); present is also a
// transfer source for readback.
func (r *Renderer) createImages() error {
	var err error
	if r.intermediate, err = r.newStorageImage(r.opts.Width, r.opts.Height, 0); err != nil {
		return fmt.Errorf("intermediate: %w", err)
	}
	if r.canvas, err = r.newStorageImage(r.opts.Width, r.opts.Height, 0); err != nil {
		return fmt.Errorf("canvas: %w", err)
	}
	if r.accent, err = r.newStorageImage(r.opts.Width, r.opts.Height, 0); err != nil {
		return fmt.Errorf("accent: %w", err)
	}
	if r.present, err = r.newStorageImage(r.opts.Width, r.opts.Height, vk.ImageUsageTransferSrcBit); err != nil {
		return fmt.Errorf("present: %w", err)
	}
	return nil
}

// createBuffers builds the per-slot staging buffers and the readback
// buffer.
func (r *Renderer) createBuffers() error {
	ringBytes := func(n int) int { return ringHeaderBytes + n*4 }
	dftBytes := dftHeaderBytes + r.signalDFTAnalyzer.Bins()*4

	for i := range r.slots {
		var err error
		if r.slots[i].signal, err = r.newBuffer(ringBytes(r.opts.SignalLen), vk.BufferUsageStorageBufferBit); err != nil {
			return fmt.Errorf("signal buffer: %w", err)
		}
		if r.slots[i].bass, err = r.newBuffer(ringBytes(r.opts.BassLen), vk.BufferUsageStorageBufferBit); err != nil {
			return fmt.Errorf("bass buffer: %w", err)
		}
		if r.slots[i].signalDFT, err = r.newBuffer(dftBytes, vk.BufferUsageStorageBufferBit); err != nil {
			return fmt.Errorf("signal DFT buffer: %w", err)
		}
		if r.slots[i].bassDFT, err = r.newBuffer(dftBytes, vk.BufferUsageStorageBufferBit); err != nil {
			return fmt.Errorf("bass DFT buffer: %w", err)
		}
	}

	var err error
	r.readback, err = r.newBuffer(int(r.opts.Width*r.opts.Height*4), vk.BufferUsageTransferDstBit)
	if err != nil {
		return fmt.Errorf("readback buffer: %w", err)
	}
	return nil
}

// createDescriptors builds the shared set layout, the pool, and one set
// per frame slot, then points the sets at the buffers and images.
func (r *Renderer) createDescriptors() error {
	bufferBinding := func(binding uint32) vk.DescriptorSetLayoutBinding {
		return vk.DescriptorSetLayoutBinding{
			Binding:         binding,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		}
	}
	imageBinding := func(binding uint32) vk.DescriptorSetLayoutBinding {
		return vk.DescriptorSetLayoutBinding{
			Binding:         binding,
			DescriptorType:  vk.DescriptorTypeStorageImage,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		}
	}
	bindings := []vk.DescriptorSetLayoutBinding{
		bufferBinding(bindingSignal),
		bufferBinding(bindingBass),
		bufferBinding(bindingSignalDFT),
		bufferBinding(bindingBassDFT),
		imageBinding(bindingInterm),
		imageBinding(bindingCanvas),
		imageBinding(bindingAccent),
		imageBinding(bindingPresent),
	}

	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var setLayout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(r.device, &layoutInfo, nil, &setLayout); res != vk.Success {
		return fmt.Errorf("vkCreateDescriptorSetLayout failed: %d", res)
	}
	r.setLayout = setLayout

	poolSizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: 4 * slotCount},
		{Type: vk.DescriptorTypeStorageImage, DescriptorCount: 4 * slotCount},
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       slotCount,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(r.device, &poolInfo, nil, &pool); res != vk.Success {
		return fmt.Errorf("vkCreateDescriptorPool failed: %d", res)
	}
	r.descriptorPool = pool

	layouts := make([]vk.DescriptorSetLayout, slotCount)
	for i := range layouts {
		layouts[i] = setLayout
	}
	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: slotCount,
		PSetLayouts:        layouts,
	}
	sets := make([]vk.DescriptorSet, slotCount)
	if res := vk.AllocateDescriptorSets(r.device, &allocInfo, &sets[0]); res != vk.Success {
		return fmt.Errorf("vkAllocateDescriptorSets failed: %d", res)
	}

	for i := range r.slots {
		r.slots[i].descriptorSet = sets[i]
		r.updateDescriptorSet(&r.slots[i])
	}
	return nil
}

// updateDescriptorSet points one slot's set at its buffers and the shared
// images.
func (r *Renderer) updateDescriptorSet(slot *frameSlot) {
	bufferWrite := func(binding uint32, b gpuBuffer) vk.WriteDescriptorSet {
		return vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          slot.descriptorSet,
			DstBinding:      binding,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			PBufferInfo: []vk.DescriptorBufferInfo{{
				Buffer: b.buffer,
				Offset: 0,
				Range:  b.size,
			}},
		}
	}
	imageWrite := func(binding uint32, img gpuImage) vk.WriteDescriptorSet {
		return vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          slot.descriptorSet,
			DstBinding:      binding,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeStorageImage,
			PImageInfo: []vk.DescriptorImageInfo{{
				ImageView:   img.view,
				ImageLayout: vk.ImageLayoutGeneral,
			}},
		}
	}

	writes := []vk.WriteDescriptorSet{
		bufferWrite(bindingSignal, slot.signal),
		bufferWrite(bindingBass, slot.bass),
		bufferWrite(bindingSignalDFT, slot.signalDFT),
		bufferWrite(bindingBassDFT, slot.bassDFT),
		imageWrite(bindingInterm, r.intermediate),
		imageWrite(bindingCanvas, r.canvas),
		imageWrite(bindingAccent, r.accent),
		imageWrite(bindingPresent, r.present),
	}
	vk.UpdateDescriptorSets(r.device, uint32(len(writes)), writes, 0, nil)
}

// findMemoryType finds a memory type matching the filter and properties.
func (r *Renderer) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(r.physicalDevice, &memProps)
	memProps.Deref()

	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (memProps.MemoryTypes[i].PropertyFlags&properties) == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no suitable memory type")
}
