package render

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// shaderStage is one compute shader in the per-frame chain, with enough
// bookkeeping to rebuild it when the file changes on disk.
type shaderStage struct {
	path    string
	modTime time.Time

	module   vk.ShaderModule
	pipeline vk.Pipeline
}

func (s *shaderStage) destroy(device vk.Device) {
	if device == nil {
		return
	}
	if s.pipeline != vk.NullPipeline {
		vk.DestroyPipeline(device, s.pipeline, nil)
		s.pipeline = vk.NullPipeline
	}
	if s.module != vk.NullShaderModule {
		vk.DestroyShaderModule(device, s.module, nil)
		s.module = vk.NullShaderModule
	}
}

// createPipelines builds the pipeline layout (descriptor set + push
// constants) and a compute pipeline per configured shader.
func (r *Renderer) createPipelines() error {
	pushRange := vk.PushConstantRange{
		StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		Offset:     0,
		Size:       uint32(unsafe.Sizeof(pushConstants{})),
	}
	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         1,
		PSetLayouts:            []vk.DescriptorSetLayout{r.setLayout},
		PushConstantRangeCount: 1,
		PPushConstantRanges:    []vk.PushConstantRange{pushRange},
	}
	var pipelineLayout vk.PipelineLayout
	if res := vk.CreatePipelineLayout(r.device, &layoutInfo, nil, &pipelineLayout); res != vk.Success {
		return fmt.Errorf("vkCreatePipelineLayout failed: %d", res)
	}
	r.pipelineLayout = pipelineLayout

	for _, path := range r.opts.ShaderPaths {
		stage := &shaderStage{path: path}
		if err := r.buildStage(stage); err != nil {
			return fmt.Errorf("shader %s: %w", filepath.Base(path), err)
		}
		r.chain = append(r.chain, stage)
	}
	return nil
}

// buildStage (re)compiles one stage from its SPIR-V file. On success the
// old module and pipeline are replaced; on failure they are untouched.
func (r *Renderer) buildStage(stage *shaderStage) error {
	info, err := os.Stat(stage.path)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	code, err := os.ReadFile(stage.path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(code) == 0 || len(code)%4 != 0 {
		return fmt.Errorf("not SPIR-V: %d bytes", len(code))
	}

	moduleInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    sliceUint32(code),
	}
	var module vk.ShaderModule
	if res := vk.CreateShaderModule(r.device, &moduleInfo, nil, &module); res != vk.Success {
		return fmt.Errorf("vkCreateShaderModule failed: %d", res)
	}

	pipelineInfo := vk.ComputePipelineCreateInfo{
		SType: vk.StructureTypeComputePipelineCreateInfo,
		Stage: vk.PipelineShaderStageCreateInfo{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageComputeBit,
			Module: module,
			PName:  safeString("main"),
		},
		Layout: r.pipelineLayout,
	}
	pipelines := make([]vk.Pipeline, 1)
	if res := vk.CreateComputePipelines(r.device, vk.NullPipelineCache, 1,
		[]vk.ComputePipelineCreateInfo{pipelineInfo}, nil, pipelines); res != vk.Success {
		vk.DestroyShaderModule(r.device, module, nil)
		return fmt.Errorf("vkCreateComputePipelines failed: %d", res)
	}

	// Swap in the new pipeline; nothing in flight references the old one
	// because reload happens between frames, after the fence wait.
	old := *stage
	stage.module = module
	stage.pipeline = pipelines[0]
	stage.modTime = info.ModTime()
	old.destroy(r.device)
	return nil
}

// reloadChangedShaders rebuilds any stage whose file changed. A stage that
// fails to rebuild keeps its last good pipeline; the render loop carries on
// while the shader author fixes the file.
func (r *Renderer) reloadChangedShaders() {
	for _, stage := range r.chain {
		info, err := os.Stat(stage.path)
		if err != nil || !info.ModTime().After(stage.modTime) {
			continue
		}

		vk.DeviceWaitIdle(r.device)
		if err := r.buildStage(stage); err != nil {
			r.logger.Error("shader reload failed, keeping previous pipeline",
				"shader", filepath.Base(stage.path), "err", err)
			// Remember the mtime anyway so a broken file is not
			// retried every frame until it changes again.
			stage.modTime = info.ModTime()
			continue
		}
		r.logger.Info("shader reloaded", "shader", filepath.Base(stage.path))
	}
}

// sliceUint32 reinterprets SPIR-V bytes as the word slice Vulkan wants.
func sliceUint32(data []byte) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4)
}
