//go:build windows

package ipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// DuplicateForProcess implements the Windows half of section 6's handle
// transfer rule: "the sending broker duplicates to the destination
// process and closes the source handle". targetProcess is a HANDLE to the
// destination process (opened by the broker with PROCESS_DUP_HANDLE
// access); the returned FileHandle is valid only inside that process and
// must be rehydrated there with os.NewFile against the duplicated value
// carried on the wire.
//
// Unlike Unix fd passing, where handle values are process-global and ride
// the Transport unmodified, Windows HANDLE values are only meaningful
// within the process that owns them -- the duplicate-then-close dance is
// this broker's implementation of that contract (see design notes, section
// 9: "cross-process handle semantics").
func DuplicateForProcess(h *FileHandle, targetProcess windows.Handle) (*FileHandle, error) {
	if h == nil || h.f == nil {
		return nil, fmt.Errorf("ipc: duplicate nil handle")
	}

	src := windows.Handle(h.f.Fd())
	cur, err := windows.GetCurrentProcess()
	if err != nil {
		return nil, fmt.Errorf("ipc: get current process: %w", err)
	}

	var dup windows.Handle
	err = windows.DuplicateHandle(
		cur, src,
		targetProcess, &dup,
		0, false,
		windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: duplicate handle into target process: %w", err)
	}

	// The source handle's ownership has moved to the destination process;
	// close our copy now that the duplicate has landed there.
	if cerr := h.Close(); cerr != nil {
		return nil, fmt.Errorf("ipc: close source handle after duplication: %w", cerr)
	}

	// dup is only valid inside targetProcess; wrapping it here is for
	// bookkeeping on the sending side only (e.g. logging), never for local
	// use.
	return NewFileHandle(os.NewFile(uintptr(dup), "")), nil
}
