package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/devfleet/internal/model"
)

type boardRow struct {
	item      *model.ItemID
	status    string
	lastError string
	available bool
}

// Board is the per-device status table operations report into.
type Board struct {
	mu   sync.Mutex
	rows map[string]*boardRow
}

func NewBoard(devices []string) *Board {
	b := &Board{rows: make(map[string]*boardRow, len(devices))}
	for _, d := range devices {
		b.rows[d] = &boardRow{status: "idle"}
	}
	return b
}

func (b *Board) row(device string) *boardRow {
	r, ok := b.rows[device]
	if !ok {
		r = &boardRow{}
		b.rows[device] = r
	}
	return r
}

func (b *Board) SetStatus(device, status string) {
	b.mu.Lock()
	b.row(device).status = status
	b.mu.Unlock()
}

func (b *Board) ReportError(device, message string) {
	b.mu.Lock()
	b.row(device).lastError = message
	b.mu.Unlock()
}

func (b *Board) Assign(device string, id model.ItemID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.row(device)
	r.item = &id
	r.status = "reserved"
}

func (b *Board) Release(device string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.row(device)
	r.item = nil
	r.status = "idle"
}

func (b *Board) SetAvailable(device string, ok bool) {
	b.mu.Lock()
	b.row(device).available = ok
	b.mu.Unlock()
}

// Rows returns one DeviceStatus per device, sorted by device id. Fields owned by other
// components (idle time, restarts, parking) are left for the caller to fill.
func (b *Board) Rows() []model.DeviceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.DeviceStatus, 0, len(b.rows))
	for d, r := range b.rows {
		ds := model.DeviceStatus{
			Device:    d,
			Available: r.available,
			Status:    r.status,
			LastError: r.lastError,
		}
		if r.item != nil {
			id := *r.item
			ds.Item = &id
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// callSink forwards to the board and remembers whether this call reported an error.
type callSink struct {
	board *Board
	mu    sync.Mutex
	err   string
}

func (s *callSink) SetStatus(device, status string) { s.board.SetStatus(device, status) }

func (s *callSink) ReportError(device, message string) {
	s.mu.Lock()
	s.err = message
	s.mu.Unlock()
	s.board.ReportError(device, message)
}

func (s *callSink) reported() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func idleSeconds(d time.Duration) int {
	if d < 0 {
		return 0
	}
	if d > 365*24*time.Hour {
		return -1
	}
	return int(d / time.Second)
}
