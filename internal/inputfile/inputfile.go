// Package inputfile implements the read-only file-backed guest inputs
// surfaced by hypercalls 5/6/7 (GetFileLen/GetFileName/SetFileBuf): no
// writes, no directories, no paths resolved at guest runtime.
//
// Grounded on biscuit's fs package shape (one name, one byte blob, no
// mutation once loaded) narrowed to what the bridge needs; the
// write-path machinery of a real filesystem (fs/ufs/mkfs in
// biscuit/src) has no role here and is not carried over, see DESIGN.md.
package inputfile

import (
	"errors"
	"sync"

	"hypercore/internal/aspace"
)

// ErrNoIndex is returned for a file index outside the loaded set.
var ErrNoIndex = errors.New("inputfile: index out of range")

// File is one host-supplied input the guest can read.
type File struct {
	Name string
	Data []byte
}

// staged records a guest buffer bound by SetFileBuf, awaiting a stage
// into guest memory.
type staged struct {
	addr   uint64
	length uint64
}

// Set is the fixed list of inputs for one run, loaded once from config
// before the guest starts. There is no persisted state beyond the
// run: inputs are host-side files, read once per run.
type Set struct {
	mu     sync.Mutex
	files  []File
	staged map[int]staged
}

// NewSet wraps files as the run's file-backed inputs.
func NewSet(files []File) *Set {
	return &Set{files: files, staged: make(map[int]staged)}
}

// FileLen implements bridge.FileSource.
func (s *Set) FileLen(index int) (int64, bool) {
	if index < 0 || index >= len(s.files) {
		return 0, false
	}
	return int64(len(s.files[index].Data)), true
}

// FileName implements bridge.FileSource.
func (s *Set) FileName(index int) (string, bool) {
	if index < 0 || index >= len(s.files) {
		return "", false
	}
	return s.files[index].Name, true
}

// SetFileBuf implements bridge.FileSource: it records the guest buffer
// for index, to be staged on the next call to Stage.
func (s *Set) SetFileBuf(index int, guestAddr uint64, length uint64) error {
	if index < 0 || index >= len(s.files) {
		return ErrNoIndex
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[index] = staged{addr: guestAddr, length: length}
	return nil
}

// Stage copies index's bytes into the guest buffer bound by an earlier
// SetFileBuf call, through as's checked user-pointer accessors. It is
// a host-driven operation, invoked once the bridge is ready to satisfy
// the guest's read of that buffer (the guest-visible effect is
// identical whether staging happens eagerly at SetFileBuf time or
// lazily here; staging here keeps SetFileBuf itself non-blocking).
func (s *Set) Stage(as *aspace.Space, index int) error {
	s.mu.Lock()
	st, ok := s.staged[index]
	var data []byte
	if ok {
		data = s.files[index].Data
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoIndex
	}
	n := st.length
	if uint64(len(data)) < n {
		n = uint64(len(data))
	}
	if ferr := as.K2user(data[:n], st.addr); ferr != 0 {
		return errors.New("inputfile: stage fault: " + ferr.String())
	}
	return nil
}
