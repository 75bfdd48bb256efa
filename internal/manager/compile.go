package manager

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"trtd/internal/compiler"
	"trtd/internal/registry"
	"trtd/pkg/types"
)

// Compile builds an engine from a registry model's ONNX source, or from an
// absolute .onnx path. The registry entry is marked compiled afterwards; an
// already loaded instance keeps serving its engine until it is unloaded.
func (m *Manager) Compile(ctx context.Context, req types.CompileRequest) (types.CompileResponse, error) {
	if req.Model == "" {
		return types.CompileResponse{}, errInvalidInput("model is required")
	}
	src := ""
	if mdl, ok := m.getModelByID(req.Model); ok {
		src = mdl.SourcePath
		if src == "" {
			return types.CompileResponse{}, errInvalidInput("model %q has no %s source", req.Model, registry.OnnxExt)
		}
	} else if filepath.IsAbs(req.Model) && strings.EqualFold(filepath.Ext(req.Model), registry.OnnxExt) {
		src = req.Model
	} else {
		return types.CompileResponse{}, ErrModelNotFound(req.Model)
	}
	ws := req.WorkspaceMB
	if ws == 0 {
		ws = m.workspaceMB
	}

	res, err := m.compileModel(ctx, src, ws)
	if err != nil {
		if errors.Is(err, compiler.ErrInvalidWorkspace) {
			return types.CompileResponse{}, errInvalidInput("%v", err)
		}
		return types.CompileResponse{}, err
	}
	if mdl, ok := m.modelByPath(src); ok {
		mdl.Path = res.EnginePath
		mdl.Compiled = true
		m.updateModel(mdl)
	}
	return types.CompileResponse{
		EnginePath: res.EnginePath,
		Bytes:      int64(res.Bytes),
		FP16:       res.FP16,
		DurationMS: res.Duration.Milliseconds(),
	}, nil
}
