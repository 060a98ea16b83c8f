package storage

import (
	"fmt"
	"os"
	"sync"
)

// Journal is an append-only, line-oriented audit trail of settlement
// decisions.
type Journal interface {
	Append(line string)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal          { return &NopJournal{} }
func (j *NopJournal) Append(_ string) {}

type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, line)
}

func (j *FileJournal) Close() error { return j.f.Close() }

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
