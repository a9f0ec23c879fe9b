//go:build windows

package workspace

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// fileLock is an advisory, process-exclusive lock on a path, backed by
// an exclusive CreateFile handle (dwShareMode=0) on Windows: only one
// process may hold the workspace at a time.
type fileLock struct {
	handle windows.Handle
	path   string
}

func acquireLock(path string) (*fileLock, error) {
	pathPtr, err := syscall.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("convert lock path: %w", err)
	}

	handle, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, // exclusive access
		nil,
		windows.CREATE_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("CreateFile: %w (another process may already own this workspace)", err)
	}

	pidBytes := []byte(fmt.Sprintf("%d", os.Getpid()))
	var written uint32
	windows.WriteFile(handle, pidBytes, &written, nil)

	return &fileLock{handle: handle, path: path}, nil
}

func (l *fileLock) release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(l.handle)
	l.handle = 0
	os.Remove(l.path)
	return err
}
