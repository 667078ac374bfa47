//go:build !windows

package ipc

import "fmt"

// DuplicateForProcess is a no-op on fd-passing systems: handle values are
// process-global (SCM_RIGHTS transfers the fd itself), so there is nothing
// to duplicate. It exists so broker code can call it unconditionally and
// let the build tag pick the right behavior.
func DuplicateForProcess(h *FileHandle, _ any) (*FileHandle, error) {
	if h == nil || h.f == nil {
		return nil, fmt.Errorf("ipc: duplicate nil handle")
	}
	return h, nil
}
