package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PageSize is the unit of persistent storage transferred by one page command.
const PageSize = 64

var ErrPageOutOfRange = errors.New("page out of range")

// PageStore is the persistent storage behind the page read/write commands.
type PageStore interface {
	ReadPage(ctx context.Context, page int, buf []byte) error
	WritePage(ctx context.Context, page int, data []byte) error
}

// MemoryPages is a volatile PageStore, used when no EEPROM is fitted.
type MemoryPages struct {
	mx   sync.Mutex
	data []byte
}

func NewMemoryPages(pages int) *MemoryPages {
	return &MemoryPages{data: make([]byte, pages*PageSize)}
}

func (m *MemoryPages) Pages() int {
	return len(m.data) / PageSize
}

func (m *MemoryPages) ReadPage(_ context.Context, page int, buf []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	offset, err := m.offset(page, len(buf))
	if err != nil {
		return err
	}
	copy(buf, m.data[offset:])
	return nil
}

// WritePage overwrites the first len(data) bytes of the page.
func (m *MemoryPages) WritePage(_ context.Context, page int, data []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	offset, err := m.offset(page, len(data))
	if err != nil {
		return err
	}
	copy(m.data[offset:], data)
	return nil
}

func (m *MemoryPages) offset(page, n int) (int, error) {
	if page < 0 || page >= m.Pages() {
		return 0, fmt.Errorf("page %d of %d: %w", page, m.Pages(), ErrPageOutOfRange)
	}
	if n > PageSize {
		return 0, fmt.Errorf("%d bytes do not fit a %d byte page: %w", n, PageSize, ErrInvalidRequest)
	}
	return page * PageSize, nil
}
