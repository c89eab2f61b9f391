package coreelf

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ProcMem reads the memory of a stopped process through /proc/<pid>/mem
type ProcMem struct {
	file *os.File
}

// OpenProcMem opens the memory of pid. The kernel keeps a crashing process
// alive until its core_pattern helper has consumed the dump.
func OpenProcMem(pid int) (*ProcMem, error) {
	return OpenProcMemAt("/proc", pid)
}

// OpenProcMemAt opens <procRoot>/<pid>/mem
func OpenProcMemAt(procRoot string, pid int) (*ProcMem, error) {
	path := procRoot + "/" + strconv.Itoa(pid) + "/mem"
	file, err := os.OpenFile(path, os.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &ProcMem{file: file}, nil
}

// Copy implements CopyFunc with a positional read at vaddr
func (p *ProcMem) Copy(vaddr uint64, buf []byte) (int, error) {
	if vaddr > math.MaxInt64 {
		return 0, fmt.Errorf("address 0x%x out of range", vaddr)
	}
	n, err := unix.Pread(int(p.file.Fd()), buf, int64(vaddr))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the memory file
func (p *ProcMem) Close() error {
	return p.file.Close()
}
