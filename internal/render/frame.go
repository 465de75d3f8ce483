package render

import (
	"fmt"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/linuxmatters/bassline/internal/engine"
)

// pushConstants is the per-frame scalar block every shader receives.
// Field order and offsets are fixed: the shaders declare the same layout.
type pushConstants struct {
	FrameIndex           uint32
	Time                 float32
	BassEnergy           float32
	CumulativeBassEnergy float32
	IsBeat               uint32
	RealBeats            uint32
	BPMConfidence        float32
	BPMPeriod            float32 // seconds per beat
	BeatIndex            int32
	BeatFract            float32
}

// shaderReloadInterval is how many frames pass between mtime sweeps of the
// shader files. Half a second at 60Hz.
const shaderReloadInterval = 30

// Frame stages one audio snapshot and runs the shader chain over it. The
// previous use of this frame slot is fenced first, so the audio data a
// dispatch reads is never overwritten mid-flight.
func (r *Renderer) Frame(snap *engine.Snapshot) error {
	slot := &r.slots[r.frameIndex%slotCount]

	if slot.submitted {
		vk.WaitForFences(r.device, 1, []vk.Fence{slot.fence}, vk.True, ^uint64(0))
	}
	vk.ResetFences(r.device, 1, []vk.Fence{slot.fence})
	slot.submitted = false

	if r.frameIndex%shaderReloadInterval == 0 {
		r.reloadChangedShaders()
	}

	// Stage audio state into this slot's buffers.
	slot.signal.writeRing(snap.Signal, snap.SignalWrite)
	slot.bass.writeRing(snap.Bass, snap.BassWrite)

	snap.RecentSignal(r.dftWindow)
	r.signalDFTAnalyzer.Transform(r.dftWindow, r.dftBins)
	slot.signalDFT.writeDFT(r.dftBins)

	snap.RecentBass(r.dftWindow)
	r.bassDFTAnalyzer.Transform(r.dftWindow, r.dftBins)
	slot.bassDFT.writeDFT(r.dftBins)

	pc := r.buildPushConstants(snap)

	if err := r.record(slot, &pc); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{slot.commandBuffer},
	}
	if res := vk.QueueSubmit(r.queue, 1, []vk.SubmitInfo{submitInfo}, slot.fence); res != vk.Success {
		return fmt.Errorf("render: vkQueueSubmit failed: %d", res)
	}
	slot.submitted = true

	if r.presenter != nil {
		// The readback copy is recorded at the end of the command
		// buffer; wait for it and hand the pixels over.
		vk.WaitForFences(r.device, 1, []vk.Fence{slot.fence}, vk.True, ^uint64(0))
		if r.rgba == nil {
			r.rgba = make([]byte, len(r.readback.mapped))
		}
		copy(r.rgba, r.readback.mapped)
		r.presenter.Present(r.rgba, r.opts.Width, r.opts.Height)
	}

	r.frameIndex++
	return nil
}

// buildPushConstants derives the scalar block from the snapshot. IsBeat is
// true exactly when the audio interval since the previous frame contained
// at least one beat emission; RealBeats carries the count, so a frame
// spanning two beats still advances it by two.
func (r *Renderer) buildPushConstants(snap *engine.Snapshot) pushConstants {
	isBeat := uint32(0)
	if snap.RealBeats > r.lastBeats {
		isBeat = 1
	}
	r.lastBeats = snap.RealBeats

	beatIndex, beatFract := snap.GridPosition(snap.SampleIndex)

	return pushConstants{
		FrameIndex:           uint32(r.frameIndex),
		Time:                 float32(time.Since(r.start).Seconds()),
		BassEnergy:           float32(snap.BassEnergy),
		CumulativeBassEnergy: float32(snap.CumulativeBassEnergy),
		IsBeat:               isBeat,
		RealBeats:            uint32(snap.RealBeats),
		BPMConfidence:        float32(snap.BPMConfidence),
		BPMPeriod:            float32(snap.BPMPeriodSeconds(r.opts.SampleRate)),
		BeatIndex:            int32(beatIndex),
		BeatFract:            float32(beatFract),
	}
}

// record rebuilds the slot's command buffer: the shader chain with
// shader-to-shader barriers, then the present-image readback.
func (r *Renderer) record(slot *frameSlot, pc *pushConstants) error {
	cb := slot.commandBuffer
	vk.ResetCommandBuffer(cb, 0)

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cb, &beginInfo); res != vk.Success {
		return fmt.Errorf("render: vkBeginCommandBuffer failed: %d", res)
	}

	groupsX := (r.opts.Width + 7) / 8
	groupsY := (r.opts.Height + 7) / 8

	for i, stage := range r.chain {
		if i > 0 {
			// Later shaders read what earlier ones wrote.
			barrier := vk.MemoryBarrier{
				SType:         vk.StructureTypeMemoryBarrier,
				SrcAccessMask: vk.AccessFlags(vk.AccessShaderWriteBit),
				DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit | vk.AccessShaderWriteBit),
			}
			vk.CmdPipelineBarrier(cb,
				vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
				vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
				0, 1, []vk.MemoryBarrier{barrier}, 0, nil, 0, nil)
		}

		vk.CmdBindPipeline(cb, vk.PipelineBindPointCompute, stage.pipeline)
		vk.CmdBindDescriptorSets(cb, vk.PipelineBindPointCompute, r.pipelineLayout,
			0, 1, []vk.DescriptorSet{slot.descriptorSet}, 0, nil)
		vk.CmdPushConstants(cb, r.pipelineLayout,
			vk.ShaderStageFlags(vk.ShaderStageComputeBit),
			0, uint32(unsafe.Sizeof(*pc)), unsafe.Pointer(pc))
		vk.CmdDispatch(cb, groupsX, groupsY, 1)
	}

	r.recordReadback(cb)

	if res := vk.EndCommandBuffer(cb); res != vk.Success {
		return fmt.Errorf("render: vkEndCommandBuffer failed: %d", res)
	}
	return nil
}

// recordReadback copies the present image into the host-visible readback
// buffer, transitioning it through TransferSrc and back to General.
func (r *Renderer) recordReadback(cb vk.CommandBuffer) {
	toTransfer := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessShaderWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
		OldLayout:           vk.ImageLayoutGeneral,
		NewLayout:           vk.ImageLayoutTransferSrcOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               r.present.image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	vk.CmdPipelineBarrier(cb,
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toTransfer})

	region := vk.BufferImageCopy{
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		ImageExtent: vk.Extent3D{Width: r.opts.Width, Height: r.opts.Height, Depth: 1},
	}
	vk.CmdCopyImageToBuffer(cb, r.present.image, vk.ImageLayoutTransferSrcOptimal,
		r.readback.buffer, 1, []vk.BufferImageCopy{region})

	toGeneral := toTransfer
	toGeneral.SrcAccessMask = vk.AccessFlags(vk.AccessTransferReadBit)
	toGeneral.DstAccessMask = vk.AccessFlags(vk.AccessShaderWriteBit | vk.AccessShaderReadBit)
	toGeneral.OldLayout = vk.ImageLayoutTransferSrcOptimal
	toGeneral.NewLayout = vk.ImageLayoutGeneral
	vk.CmdPipelineBarrier(cb,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{toGeneral})
}

// initImageLayouts transitions the four storage images from Undefined to
// General once at startup; they stay in General for their whole life apart
// from the present image's round trip through TransferSrc.
func (r *Renderer) initImageLayouts() error {
	cb := r.slots[0].commandBuffer

	beginInfo := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(cb, &beginInfo); res != vk.Success {
		return fmt.Errorf("vkBeginCommandBuffer failed: %d", res)
	}

	images := []gpuImage{r.intermediate, r.canvas, r.accent, r.present}
	barriers := make([]vk.ImageMemoryBarrier, len(images))
	for i, img := range images {
		barriers[i] = vk.ImageMemoryBarrier{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       0,
			DstAccessMask:       vk.AccessFlags(vk.AccessShaderWriteBit | vk.AccessShaderReadBit),
			OldLayout:           vk.ImageLayoutUndefined,
			NewLayout:           vk.ImageLayoutGeneral,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.image,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}
	}
	vk.CmdPipelineBarrier(cb,
		vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		0, 0, nil, 0, nil, uint32(len(barriers)), barriers)

	if res := vk.EndCommandBuffer(cb); res != vk.Success {
		return fmt.Errorf("vkEndCommandBuffer failed: %d", res)
	}

	vk.ResetFences(r.device, 1, []vk.Fence{r.slots[0].fence})
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{cb},
	}
	if res := vk.QueueSubmit(r.queue, 1, []vk.SubmitInfo{submitInfo}, r.slots[0].fence); res != vk.Success {
		return fmt.Errorf("vkQueueSubmit failed: %d", res)
	}
	vk.WaitForFences(r.device, 1, []vk.Fence{r.slots[0].fence}, vk.True, ^uint64(0))
	vk.ResetFences(r.device, 1, []vk.Fence{r.slots[0].fence})
	return nil
}
