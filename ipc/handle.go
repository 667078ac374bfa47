package ipc

import "os"

// PlatformHandle is an OS handle that may ride alongside a message: a file
// descriptor, a Windows HANDLE, or a shared-memory handle. Ownership is
// exclusive and transfer is a move: sending a PlatformHandle passes
// ownership to the receiver, and the sender must not touch it again.
//
// On systems with process-global handle tables (Unix fd passing), the
// value travels unmodified. On systems with per-process handle tables
// (Windows), DuplicateForProcess duplicates the handle into the
// destination process and then closes the source handle. BrokerHost does
// not call DuplicateForProcess itself.
type PlatformHandle interface {
	// Close releases the handle. It is the caller's responsibility to
	// call Close at most once per invariant 6 (no double-close); Close
	// implementations are not required to tolerate repeated calls.
	Close() error
}

// FileHandle is the common PlatformHandle backed by an *os.File: a Unix fd
// directly, or a Windows HANDLE wrapped via os.NewFile after duplication.
type FileHandle struct {
	f *os.File
}

// NewFileHandle wraps f as a PlatformHandle.
func NewFileHandle(f *os.File) *FileHandle {
	return &FileHandle{f: f}
}

// Close releases the underlying file.
func (h *FileHandle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	return h.f.Close()
}

// File returns the wrapped *os.File.
func (h *FileHandle) File() *os.File { return h.f }

// closeAll closes every handle in hs, ignoring Close errors and not
// stopping on the first one. Used on the discard/failure paths so a dropped frame never
// leaks the handles it carried (invariant 6).
func closeAll(hs []PlatformHandle) {
	for _, h := range hs {
		if h == nil {
			continue
		}
		_ = h.Close()
	}
}
