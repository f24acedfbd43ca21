package room

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/npezzotti/go-jamroom/internal/config"
	"github.com/npezzotti/go-jamroom/internal/stats"
)

// World is the process-wide room registry: built once at startup from
// static config, never mutated afterward. The admin set is the only other
// process-wide state; it changes at identify time only.
type World struct {
	log   *log.Logger
	stats stats.StatsProvider

	rooms map[string]*RoomServer
	order []string

	adminHash []byte
	adminMu   sync.Mutex
	admins    map[string]struct{}

	startTime        time.Time
	snapshotDir      string
	snapshotInterval time.Duration
}

func NewWorld(cfg *config.Config, roomCfgs []config.RoomConfig, logger *log.Logger, sp stats.StatsProvider) (*World, error) {
	if len(roomCfgs) == 0 {
		return nil, fmt.Errorf("world requires at least one room")
	}

	w := &World{
		log:              logger,
		stats:            sp,
		rooms:            make(map[string]*RoomServer, len(roomCfgs)),
		adminHash:        cfg.AdminPasswordHash,
		admins:           make(map[string]struct{}),
		startTime:        time.Now(),
		snapshotDir:      cfg.SnapshotDir,
		snapshotInterval: cfg.SnapshotInterval,
	}
	if w.snapshotInterval <= 0 {
		w.snapshotInterval = 5 * time.Minute
	}

	sp.RegisterMetric(metricConnectedClients)
	sp.RegisterMetric(metricIdentifiedUsers)
	sp.RegisterMetric(metricNotesPlayed)
	sp.RegisterMetric(metricChatMessages)
	sp.RegisterMetric(metricCheers)

	for _, rc := range roomCfgs {
		if _, dup := w.rooms[rc.RoomID]; dup {
			return nil, fmt.Errorf("duplicate room %q", rc.RoomID)
		}
		rs := NewRoomServer(rc, w, logger, sp)
		w.rooms[rc.RoomID] = rs
		w.order = append(w.order, rc.RoomID)
	}

	w.restoreSnapshots()
	return w, nil
}

// restoreSnapshots runs before any room goroutine starts, so it may touch
// room state directly.
func (w *World) restoreSnapshots() {
	if w.snapshotDir == "" {
		return
	}
	for _, id := range w.order {
		rs := w.rooms[id]
		dump, err := LoadRoomDump(w.snapshotDir, id)
		if err != nil {
			w.log.Printf("room %q: no snapshot restored: %v", id, err)
			continue
		}
		if err := rs.state.ApplyDump(dump); err != nil {
			w.log.Printf("room %q: apply snapshot: %v", id, err)
			continue
		}
		rs.publishSummary()
		w.log.Printf("room %q: restored snapshot from %s", id, dump.SavedAt)
	}
}

func (w *World) Run() {
	for _, id := range w.order {
		go w.rooms[id].Run()
	}
	w.log.Printf("world started with %d rooms", len(w.rooms))
}

func (w *World) Room(roomID string) *RoomServer {
	return w.rooms[roomID]
}

func (w *World) Summaries() []RoomSummary {
	out := make([]RoomSummary, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.rooms[id].Summary())
	}
	return out
}

func (w *World) Population() int {
	total := 0
	for _, rs := range w.rooms {
		total += rs.Population()
	}
	return total
}

func (w *World) UptimeSec() float64 {
	return time.Since(w.startTime).Seconds()
}

func (w *World) CheckAdminPassword(password string) bool {
	if len(w.adminHash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(w.adminHash, []byte(password)) == nil
}

func (w *World) GrantAdmin(userID string) {
	w.adminMu.Lock()
	defer w.adminMu.Unlock()
	w.admins[userID] = struct{}{}
}

func (w *World) RevokeAdmin(userID string) {
	w.adminMu.Lock()
	defer w.adminMu.Unlock()
	delete(w.admins, userID)
}

func (w *World) IsAdmin(userID string) bool {
	w.adminMu.Lock()
	defer w.adminMu.Unlock()
	_, ok := w.admins[userID]
	return ok
}

// GatherDumps collects a dump of every room. The requesting room is dumped
// synchronously on its own loop; other rooms are asked through their task
// channels with a timeout so a stalled room cannot wedge the requester.
func (w *World) GatherDumps(requester *RoomServer) ServerDump {
	dump := NewServerDump()
	for _, id := range w.order {
		rs := w.rooms[id]
		if rs == requester {
			dump.Rooms = append(dump.Rooms, DumpRoomState(rs.state))
			continue
		}

		ch := make(chan RoomDump, 1)
		task := func() { ch <- DumpRoomState(rs.state) }
		select {
		case rs.taskChan <- task:
		case <-time.After(time.Second):
			w.log.Printf("room %q: dump request timed out", id)
			continue
		}
		select {
		case rd := <-ch:
			dump.Rooms = append(dump.Rooms, rd)
		case <-time.After(time.Second):
			w.log.Printf("room %q: dump response timed out", id)
		}
	}
	return dump
}

// applyDumpAsync posts a dump application onto the target room's loop.
func (w *World) applyDumpAsync(rd RoomDump) {
	rs, ok := w.rooms[rd.RoomID]
	if !ok {
		w.log.Printf("dump references unknown room %q", rd.RoomID)
		return
	}
	task := func() {
		if err := rs.state.ApplyDump(rd); err != nil {
			w.log.Printf("room %q: apply dump: %v", rd.RoomID, err)
		}
	}
	select {
	case rs.taskChan <- task:
	default:
		w.log.Printf("room %q: task channel full, dump not applied", rd.RoomID)
	}
}

// Shutdown stops every room loop and waits for them to drain.
func (w *World) Shutdown(ctx context.Context) error {
	w.log.Println("shutting down rooms")
	for _, rs := range w.rooms {
		close(rs.exit)
	}
	for _, id := range w.order {
		select {
		case <-w.rooms[id].done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown room %q: %w", id, ctx.Err())
		}
	}
	return nil
}
