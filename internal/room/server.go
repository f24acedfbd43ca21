package room

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-jamroom/internal/clock"
	"github.com/npezzotti/go-jamroom/internal/config"
	"github.com/npezzotti/go-jamroom/internal/stats"
)

const (
	metricConnectedClients = "ConnectedClients"
	metricIdentifiedUsers  = "IdentifiedUsers"
	metricNotesPlayed      = "NotesPlayed"
	metricChatMessages     = "ChatMessages"
	metricCheers           = "Cheers"
)

// RoomServer owns one RoomState plus its metronome and quantizer. All
// mutation happens on the room loop goroutine; timers re-enter through
// taskChan so every callback runs as its own atomic handler.
type RoomServer struct {
	log   *log.Logger
	stats stats.StatsProvider
	world *World

	state *RoomState
	met   *clock.Metronome
	quant *Quantizer

	idleTimeout        time.Duration
	autoReleaseTimeout time.Duration
	pingIntervalDur    time.Duration
	maxChatAge         time.Duration

	clients map[*Client]struct{}

	registerChan   chan *Client
	deregisterChan chan *Client
	msgChan        chan *ClientMessage
	taskChan       chan func()
	exit           chan struct{}
	done           chan struct{}

	now        func() time.Time
	arm        ArmTimerFunc
	population atomic.Int32
	summary    atomic.Value

	beatCursor int64
	beatCancel func()

	pingToken  string
	pingSentAt time.Time
}

func NewRoomServer(cfg config.RoomConfig, world *World, logger *log.Logger, sp stats.StatsProvider) *RoomServer {
	rs := &RoomServer{
		log:                logger,
		stats:              sp,
		world:              world,
		state:              buildRoomState(cfg),
		met:                clock.NewMetronome(cfg.BPM),
		idleTimeout:        cfg.IdleTimeout(),
		autoReleaseTimeout: cfg.AutoReleaseTimeout(),
		pingIntervalDur:    cfg.PingInterval(),
		maxChatAge:         cfg.MaxChatAge(),
		clients:            make(map[*Client]struct{}),
		registerChan:       make(chan *Client, 64),
		deregisterChan:     make(chan *Client, 64),
		msgChan:            make(chan *ClientMessage, 256),
		taskChan:           make(chan func(), 256),
		exit:               make(chan struct{}),
		done:               make(chan struct{}),
		now:                time.Now,
	}
	rs.arm = rs.armTimer
	rs.quant = NewQuantizer(rs.met, logger, rs.flushNoteEvents, rs.arm)
	rs.beatCursor = rs.met.CurrentBeat()
	rs.publishSummary()
	return rs
}

func buildRoomState(cfg config.RoomConfig) *RoomState {
	s := &RoomState{
		RoomID:  cfg.RoomID,
		Name:    cfg.Name,
		BPM:     cfg.BPM,
		TimeSig: cfg.TimeSig,
	}

	for _, ic := range cfg.Instruments {
		inst := &InstrumentSpec{
			InstrumentID: ic.InstrumentID,
			Name:         ic.Name,
			Engine:       ic.Engine,
		}
		for _, pc := range ic.Params {
			inst.Params = append(inst.Params, &InstrumentParam{
				ParamID:      pc.ParamID,
				Name:         pc.Name,
				Type:         ParamType(pc.Type),
				MinValue:     pc.MinValue,
				MaxValue:     pc.MaxValue,
				ValueCurve:   pc.ValueCurve,
				ZeroPoint:    pc.ZeroPoint,
				DefaultValue: pc.DefaultValue,
				CurrentValue: pc.DefaultValue,
			})
		}
		for _, pre := range ic.Presets {
			inst.Presets = append(inst.Presets, Preset(pre))
		}
		inst.GetInitPreset()
		inst.CaptureFactoryPresets()
		s.Instruments = append(s.Instruments, inst)
	}

	for _, item := range cfg.RoomItems {
		ri := RoomItem{
			ItemID: item.ItemID,
			Name:   item.Name,
			Rect:   Rect{X: item.Rect.X, Y: item.Rect.Y, W: item.Rect.W, H: item.Rect.H},
		}
		if len(item.Interactions) > 0 {
			ri.Interactions = make(map[string]InteractionSpec, len(item.Interactions))
			for k, v := range item.Interactions {
				ri.Interactions[k] = InteractionSpec{Fn: v.Fn, Params: v.Params}
			}
		}
		s.RoomItems = append(s.RoomItems, ri)
	}
	return s
}

func (rs *RoomServer) RoomID() string { return rs.state.RoomID }

// Register hands a freshly upgraded connection to the room loop.
func (rs *RoomServer) Register(c *Client) {
	select {
	case rs.registerChan <- c:
	case <-rs.done:
		c.shutdown()
	}
}

func (rs *RoomServer) Run() {
	rs.log.Printf("starting room %q", rs.state.RoomID)
	rs.armBeat()

	pingTicker := time.NewTicker(rs.pingIntervalDur)
	snapshotTicker := time.NewTicker(rs.world.snapshotInterval)
	defer func() {
		pingTicker.Stop()
		snapshotTicker.Stop()
	}()

	for {
		select {
		case c := <-rs.registerChan:
			rs.handleRegister(c)
		case c := <-rs.deregisterChan:
			rs.handleDeregister(c)
		case msg := <-rs.msgChan:
			rs.safely("dispatch", func() { rs.dispatch(msg) })
		case task := <-rs.taskChan:
			rs.safely("timer task", task)
		case <-pingTicker.C:
			rs.safely("ping tick", rs.handlePingTick)
		case <-snapshotTicker.C:
			rs.safely("snapshot", rs.saveSnapshot)
		case <-rs.exit:
			rs.handleExit()
			return
		}
	}
}

// safely fault-isolates one handler invocation: a panic is logged and never
// takes down the room loop or its timers.
func (rs *RoomServer) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rs.log.Printf("room %q: recovered panic in %s: %v", rs.state.RoomID, name, r)
		}
	}()
	fn()
}

// armTimer schedules fire to re-enter the room loop after d.
func (rs *RoomServer) armTimer(d time.Duration, fire func()) func() {
	t := time.AfterFunc(d, func() {
		select {
		case rs.taskChan <- fire:
		case <-rs.done:
		}
	})
	return func() { t.Stop() }
}

func (rs *RoomServer) armBeat() {
	next, delay := rs.met.NextBeatAfter(rs.beatCursor)
	rs.beatCancel = rs.arm(delay, func() { rs.onBeat(next) })
}

func (rs *RoomServer) onBeat(beat int64) {
	rs.beatCursor = beat
	msg := newServerMessage()
	msg.RoomBeat = &RoomBeat{BPM: rs.met.BPM(), Beat: beat, TimeSig: rs.state.TimeSig}
	rs.broadcast(msg)
	rs.armBeat()
}

// rearmBeat cancels the pending beat timer and reschedules from the current
// clock, so tempo and phase edits take effect immediately.
func (rs *RoomServer) rearmBeat() {
	if rs.beatCancel != nil {
		rs.beatCancel()
	}
	rs.beatCursor = rs.met.CurrentBeat()
	rs.armBeat()
}

func (rs *RoomServer) handleRegister(c *Client) {
	rs.clients[c] = struct{}{}
	rs.stats.Incr(metricConnectedClients)

	msg := newServerMessage()
	msg.PleaseIdentify = &PleaseIdentify{}
	c.queueMessage(msg)
}

func (rs *RoomServer) handleDeregister(c *Client) {
	if _, ok := rs.clients[c]; !ok {
		return
	}
	delete(rs.clients, c)
	rs.stats.Decr(metricConnectedClients)

	if c.userID != "" {
		if u, _ := rs.state.FindUserByID(c.userID); u != nil {
			rs.removeUserAndCleanup(u)
		}
	}
	c.shutdown()
}

func (rs *RoomServer) dispatch(msg *ClientMessage) {
	c := msg.client
	if c == nil {
		return
	}

	if msg.Identify != nil {
		rs.handleIdentify(c, msg.Identify)
		return
	}

	u, _ := rs.state.FindUserByID(c.userID)
	if u == nil {
		// stale or duplicate session; drop without touching state
		rs.log.Printf("room %q: message from unidentified socket", rs.state.RoomID)
		return
	}

	switch {
	case msg.InstrumentRequest != nil:
		rs.handleInstrumentRequest(u, msg.InstrumentRequest)
	case msg.InstrumentRelease != nil:
		rs.handleInstrumentRelease(u)
	case msg.NoteOn != nil:
		rs.handleNoteOn(u, msg.NoteOn)
	case msg.NoteOff != nil:
		rs.handleNoteOff(u, msg.NoteOff)
	case msg.AllNotesOff != nil:
		rs.handleAllNotesOff(u)
	case msg.PedalDown != nil:
		rs.handlePedal(u, c, true)
	case msg.PedalUp != nil:
		rs.handlePedal(u, c, false)
	case msg.InstrumentParams != nil:
		rs.handleInstrumentParams(u, c, msg.InstrumentParams)
	case msg.CreateParamMapping != nil:
		rs.handleCreateParamMapping(u, c, msg.CreateParamMapping)
	case msg.RemoveParamMapping != nil:
		rs.handleRemoveParamMapping(u, c, msg.RemoveParamMapping)
	case msg.PresetSave != nil:
		rs.handlePresetSave(u, msg.PresetSave)
	case msg.PresetDelete != nil:
		rs.handlePresetDelete(u, msg.PresetDelete)
	case msg.FactoryReset != nil:
		rs.handleFactoryReset(u)
	case msg.BankMerge != nil:
		rs.handleBankMerge(u, msg.BankMerge)
	case msg.Chat != nil:
		rs.handleChat(u, c, msg.Chat)
	case msg.UserState != nil:
		rs.handleUserState(u, msg.UserState)
	case msg.Cheer != nil:
		rs.handleCheer(u, c, msg.Cheer)
	case msg.Pong != nil:
		rs.handlePong(u, msg.Pong)
	case msg.AdminChangeRoom != nil:
		rs.handleAdminChangeRoomState(u, msg.AdminChangeRoom)
	case msg.DownloadState != nil:
		rs.handleDownloadServerState(u, c)
	case msg.UploadState != nil:
		rs.handleUploadServerState(u, msg.UploadState)
	default:
		rs.log.Printf("room %q: empty message from %q", rs.state.RoomID, u.UserID)
	}
}

func (rs *RoomServer) handleIdentify(c *Client, id *Identify) {
	if c.userID != "" {
		rs.log.Printf("room %q: duplicate identify from %q", rs.state.RoomID, c.userID)
		return
	}

	if err := ValidateUserName(id.Name); err != nil {
		rs.log.Printf("room %q: rejecting identify: %v", rs.state.RoomID, err)
		rs.disconnectClient(c)
		return
	}
	if err := ValidateUserColor(id.Color); err != nil {
		rs.log.Printf("room %q: rejecting identify: %v", rs.state.RoomID, err)
		rs.disconnectClient(c)
		return
	}

	accessLevel := AccessLevelUser
	if id.AdminPassword != "" && rs.world.CheckAdminPassword(id.AdminPassword) {
		accessLevel = AccessLevelAdmin
	}

	u := &User{
		UserID:       shortid.MustGenerate(),
		Name:         id.Name,
		Color:        id.Color,
		Img:          id.Img,
		Position:     id.Position,
		AccessLevel:  accessLevel,
		LastActivity: rs.now(),
	}
	if id.Quantize != nil {
		u.Quantize = *id.Quantize
	}
	if accessLevel == AccessLevelAdmin {
		rs.world.GrantAdmin(u.UserID)
		rs.log.Printf("room %q: user %q identified as admin", rs.state.RoomID, u.UserID)
	}

	rs.state.AddUser(u)
	c.userID = u.UserID
	rs.stats.Incr(metricIdentifiedUsers)
	rs.population.Store(int32(len(rs.state.Users)))
	rs.publishSummary()

	joinEntry := NewChatMessage(ChatMessageTypeJoin, u, fmt.Sprintf("%s joined", u.Name), rs.now())
	rs.state.AppendChat(joinEntry)

	welcome := newServerMessage()
	stateJSON, err := json.Marshal(rs.state)
	if err != nil {
		rs.log.Printf("room %q: marshal room state: %v", rs.state.RoomID, err)
		rs.disconnectClient(c)
		return
	}
	welcome.Welcome = &Welcome{
		YourUserID:  u.UserID,
		AccessLevel: accessLevel,
		RoomState:   stateJSON,
	}
	c.queueMessage(welcome)

	enter := newServerMessage()
	userCopy := *u
	enter.UserEnter = &UserEnter{User: &userCopy, ChatMessageEntry: joinEntry}
	enter.SkipClient = c
	rs.broadcast(enter)
}

// disconnectClient drops a socket outright; used for malformed identify,
// which is cheap for the client to retry.
func (rs *RoomServer) disconnectClient(c *Client) {
	if _, ok := rs.clients[c]; ok {
		delete(rs.clients, c)
		rs.stats.Decr(metricConnectedClients)
	}
	c.shutdown()
}

func (rs *RoomServer) handleInstrumentRequest(u *User, req *InstrumentRequest) {
	inst, _ := rs.state.FindInstrumentByID(req.InstrumentID)
	if inst == nil {
		rs.log.Printf("room %q: instrument %q not found", rs.state.RoomID, req.InstrumentID)
		return
	}
	if inst.ControlledByUserID != "" && inst.ControlledByUserID != u.UserID {
		rs.log.Printf("room %q: instrument %q already controlled by %q",
			rs.state.RoomID, inst.InstrumentID, inst.ControlledByUserID)
		return
	}

	// one instrument per user: release the currently held one first
	if held, _ := rs.state.FindInstrumentByUserID(u.UserID); held != nil && held != inst {
		rs.releaseInstrument(held)
	}

	u.Touch(rs.now())
	inst.ControlledByUserID = u.UserID

	msg := newServerMessage()
	msg.InstrumentOwnership = &InstrumentOwnership{
		InstrumentID: inst.InstrumentID,
		UserID:       u.UserID,
		Idle:         false,
	}
	rs.broadcast(msg)
}

func (rs *RoomServer) handleInstrumentRelease(u *User) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		rs.log.Printf("room %q: release from %q who controls nothing", rs.state.RoomID, u.UserID)
		return
	}
	rs.releaseInstrument(inst)
}

// releaseInstrument is the only code path that clears a controller: pending
// quantizer events are purged, all-notes-off is emitted, then the ownership
// change is broadcast. Skipping any step leaves ghost-held notes.
func (rs *RoomServer) releaseInstrument(inst *InstrumentSpec) {
	prevUserID := inst.ControlledByUserID
	if prevUserID == "" {
		return
	}

	rs.quant.ClearInstrument(inst.InstrumentID)
	inst.ControlledByUserID = ""

	notesOff := newServerMessage()
	notesOff.UserAllNotesOff = &UserAllNotesOff{UserID: prevUserID}
	rs.broadcast(notesOff)

	msg := newServerMessage()
	msg.InstrumentOwnership = &InstrumentOwnership{InstrumentID: inst.InstrumentID}
	rs.broadcast(msg)
}

// touchUser records activity; if the user was idle, their held instrument is
// re-broadcast as active.
func (rs *RoomServer) touchUser(u *User) {
	if !u.Touch(rs.now()) {
		return
	}
	if inst, _ := rs.state.FindInstrumentByUserID(u.UserID); inst != nil {
		msg := newServerMessage()
		msg.InstrumentOwnership = &InstrumentOwnership{
			InstrumentID: inst.InstrumentID,
			UserID:       u.UserID,
			Idle:         false,
		}
		rs.broadcast(msg)
	}
}

func (rs *RoomServer) handleNoteOn(u *User, m *NoteOnMessage) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		rs.log.Printf("room %q: note-on from %q who controls nothing", rs.state.RoomID, u.UserID)
		return
	}

	if m.ResetBeatPhase {
		rs.met.ResetBeatPhase()
		rs.rearmBeat()
	}

	rs.touchUser(u)
	u.Stats.NoteOns++
	rs.state.Stats.NoteOns++
	rs.stats.Incr(metricNotesPlayed)

	rs.quant.OnLiveNoteOn(u, inst.InstrumentID, m.Note, m.Velocity)
}

func (rs *RoomServer) handleNoteOff(u *User, m *NoteOffMessage) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		rs.log.Printf("room %q: note-off from %q who controls nothing", rs.state.RoomID, u.UserID)
		return
	}

	rs.touchUser(u)
	rs.quant.OnLiveNoteOff(u, inst.InstrumentID, m.Note)
}

func (rs *RoomServer) handleAllNotesOff(u *User) {
	rs.touchUser(u)
	rs.quant.ClearUser(u.UserID)

	msg := newServerMessage()
	msg.UserAllNotesOff = &UserAllNotesOff{UserID: u.UserID}
	rs.broadcast(msg)
}

// flushNoteEvents is the quantizer sink. Every client gets the batch minus
// their own events; a user never hears their own echo.
func (rs *RoomServer) flushNoteEvents(noteOns, noteOffs []NoteEvent) {
	for c := range rs.clients {
		ons := filterOwnEvents(noteOns, c.userID)
		offs := filterOwnEvents(noteOffs, c.userID)
		if len(ons) == 0 && len(offs) == 0 {
			continue
		}

		msg := newServerMessage()
		msg.NoteEvents = &NoteEvents{NoteOns: ons, NoteOffs: offs}
		c.queueMessage(msg)
	}
}

func filterOwnEvents(events []NoteEvent, userID string) []NoteEvent {
	if userID == "" {
		return events
	}
	out := make([]NoteEvent, 0, len(events))
	for _, ev := range events {
		if ev.UserID != userID {
			out = append(out, ev)
		}
	}
	return out
}

func (rs *RoomServer) handlePedal(u *User, c *Client, down bool) {
	if inst, _ := rs.state.FindInstrumentByUserID(u.UserID); inst == nil {
		return
	}
	rs.touchUser(u)

	msg := newServerMessage()
	if down {
		msg.PedalDown = &PedalEvent{UserID: u.UserID}
	} else {
		msg.PedalUp = &PedalEvent{UserID: u.UserID}
	}
	msg.SkipClient = c
	rs.broadcast(msg)
}

func (rs *RoomServer) handleInstrumentParams(u *User, c *Client, m *InstrumentParamsMessage) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	rs.touchUser(u)
	inst.IntegrateParams(m.PatchObj, m.IsWholePatch)

	msg := newServerMessage()
	msg.InstrumentParams = &InstrumentParamsSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		PatchObj:     m.PatchObj,
		IsWholePatch: m.IsWholePatch,
	}
	msg.SkipClient = c
	rs.broadcast(msg)
}

func (rs *RoomServer) handleCreateParamMapping(u *User, c *Client, m *CreateParamMapping) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	if p, _ := inst.FindParam(m.ParamID); p == nil {
		rs.log.Printf("room %q: mapping for unknown param %q", rs.state.RoomID, m.ParamID)
		return
	}

	rs.touchUser(u)
	if inst.Mappings == nil {
		inst.Mappings = make(map[string]ParamMapping)
	}
	inst.Mappings[m.ParamID] = ParamMapping{ParamID: m.ParamID, SrcVal: m.SrcVal}

	msg := newServerMessage()
	msg.CreateParamMapping = &ParamMappingSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		ParamID:      m.ParamID,
		SrcVal:       m.SrcVal,
	}
	msg.SkipClient = c
	rs.broadcast(msg)
}

func (rs *RoomServer) handleRemoveParamMapping(u *User, c *Client, m *RemoveParamMapping) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	if _, ok := inst.Mappings[m.ParamID]; !ok {
		return
	}

	rs.touchUser(u)
	delete(inst.Mappings, m.ParamID)

	msg := newServerMessage()
	msg.RemoveParamMapping = &ParamMappingSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		ParamID:      m.ParamID,
	}
	msg.SkipClient = c
	rs.broadcast(msg)
}

func (rs *RoomServer) handlePresetSave(u *User, m *PresetSave) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	rs.touchUser(u)

	if err := inst.SavePreset(m.Patch); err != nil {
		rs.log.Printf("room %q: preset save: %v", rs.state.RoomID, err)
		return
	}

	msg := newServerMessage()
	msg.PresetSave = &PresetSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		PresetID:     m.Patch.PresetID(),
		Presets:      []Preset{m.Patch},
	}
	rs.broadcast(msg)
}

func (rs *RoomServer) handlePresetDelete(u *User, m *PresetDelete) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	rs.touchUser(u)

	isAdmin := rs.world.IsAdmin(u.UserID)
	if err := inst.DeletePreset(m.PresetID, isAdmin); err != nil {
		rs.log.Printf("room %q: preset delete: %v", rs.state.RoomID, err)
		return
	}
	if isAdmin {
		rs.log.Printf("room %q: admin %q deleted preset %q", rs.state.RoomID, u.UserID, m.PresetID)
	}

	msg := newServerMessage()
	msg.PresetDelete = &PresetSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		PresetID:     m.PresetID,
	}
	rs.broadcast(msg)
}

func (rs *RoomServer) handleFactoryReset(u *User) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	rs.touchUser(u)
	inst.FactoryReset()

	msg := newServerMessage()
	msg.FactoryReset = &PresetSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		Presets:      inst.Presets,
	}
	rs.broadcast(msg)
}

func (rs *RoomServer) handleBankMerge(u *User, m *BankMerge) {
	inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
	if inst == nil {
		return
	}
	rs.touchUser(u)

	if err := inst.MergePresets(m.Presets); err != nil {
		rs.log.Printf("room %q: bank merge: %v", rs.state.RoomID, err)
		return
	}

	msg := newServerMessage()
	msg.BankMerge = &PresetSync{
		UserID:       u.UserID,
		InstrumentID: inst.InstrumentID,
		Presets:      inst.Presets,
	}
	rs.broadcast(msg)
}

func (rs *RoomServer) handleChat(u *User, c *Client, m *ChatSend) {
	if err := ValidateChatMessage(m.Message); err != nil {
		rs.log.Printf("room %q: chat rejected: %v", rs.state.RoomID, err)
		return
	}
	rs.touchUser(u)

	entry := NewChatMessage(ChatMessageTypeChat, u, m.Message, rs.now())
	entry.ToUserID = m.ToUserID

	u.Stats.ChatMessages++
	rs.state.Stats.ChatMessages++
	rs.stats.Incr(metricChatMessages)

	msg := newServerMessage()
	msg.UserChatMessage = entry

	if m.ToUserID != "" {
		// private: deliver only to the two parties, never logged
		for cl := range rs.clients {
			if cl.userID == m.ToUserID || cl == c {
				cl.queueMessage(msg)
			}
		}
		return
	}

	rs.state.AppendChat(entry)
	rs.broadcast(msg)
}

func (rs *RoomServer) handleUserState(u *User, m *UserStateUpdate) {
	if err := ValidateUserName(m.Name); err != nil {
		rs.log.Printf("room %q: user state rejected: %v", rs.state.RoomID, err)
		return
	}
	if err := ValidateUserColor(m.Color); err != nil {
		rs.log.Printf("room %q: user state rejected: %v", rs.state.RoomID, err)
		return
	}
	rs.touchUser(u)

	var nickEntry *ChatMessage
	if m.Name != u.Name {
		nickEntry = NewChatMessage(ChatMessageTypeNick, u,
			fmt.Sprintf("%s is now known as %s", u.Name, m.Name), rs.now())
		rs.state.AppendChat(nickEntry)
	}

	u.Name = m.Name
	u.Color = m.Color
	u.Img = m.Img
	u.Position = m.Position
	if m.Quantize != nil {
		u.Quantize = *m.Quantize
	}
	rs.publishSummary()

	msg := newServerMessage()
	userCopy := *u
	msg.UserState = &UserStateSync{User: &userCopy, ChatMessageEntry: nickEntry}
	rs.broadcast(msg)
}

func (rs *RoomServer) handleCheer(u *User, c *Client, m *CheerSend) {
	text := ClampCheerText(m.Text)
	if text == "" {
		return
	}
	rs.touchUser(u)

	u.Stats.Cheers++
	rs.state.Stats.Cheers++
	rs.stats.Incr(metricCheers)

	msg := newServerMessage()
	msg.Cheer = &CheerEvent{UserID: u.UserID, Text: text, X: m.X, Y: m.Y}
	msg.SkipClient = c
	rs.broadcast(msg)
}

func (rs *RoomServer) handlePong(u *User, m *Pong) {
	if m.Token == "" || m.Token != rs.pingToken {
		return
	}
	u.PingMS = int(rs.now().Sub(rs.pingSentAt).Milliseconds())
}

func (rs *RoomServer) handleAdminChangeRoomState(u *User, m *AdminChangeRoomState) {
	if !rs.world.IsAdmin(u.UserID) {
		rs.log.Printf("room %q: non-admin %q attempted %q", rs.state.RoomID, u.UserID, m.Cmd)
		return
	}

	switch m.Cmd {
	case "set_bpm":
		bpm, ok := numberParam(m.Params, "bpm")
		if !ok {
			rs.log.Printf("room %q: set_bpm missing bpm param", rs.state.RoomID)
			return
		}
		rs.met.SetBPM(bpm)
		rs.state.BPM = rs.met.BPM()
		rs.rearmBeat()

		update := newServerMessage()
		update.RoomBPMUpdate = &RoomBPMUpdate{BPM: rs.state.BPM, TimeSig: rs.state.TimeSig}
		rs.broadcast(update)
	case "set_time_sig":
		ts, ok := numberParam(m.Params, "time_sig")
		if !ok || ts < 1 {
			rs.log.Printf("room %q: set_time_sig missing time_sig param", rs.state.RoomID)
			return
		}
		rs.state.TimeSig = int(ts)

		update := newServerMessage()
		update.RoomBPMUpdate = &RoomBPMUpdate{BPM: rs.state.BPM, TimeSig: rs.state.TimeSig}
		rs.broadcast(update)
	case "adjust_beat_phase":
		delta, ok := numberParam(m.Params, "delta_ms")
		if !ok {
			return
		}
		rs.met.AdjustPhase(delta)
		rs.rearmBeat()
	case "offset_beats":
		delta, ok := numberParam(m.Params, "delta")
		if !ok {
			return
		}
		rs.met.OffsetBeats(delta)
		rs.rearmBeat()
	default:
		rs.log.Printf("room %q: unknown admin cmd %q", rs.state.RoomID, m.Cmd)
		return
	}

	msg := newServerMessage()
	msg.ChangeRoomState = &ChangeRoomState{Cmd: m.Cmd, Params: m.Params}
	rs.broadcast(msg)
}

func numberParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

func (rs *RoomServer) handleDownloadServerState(u *User, c *Client) {
	if !rs.world.IsAdmin(u.UserID) {
		rs.log.Printf("room %q: non-admin %q attempted state download", rs.state.RoomID, u.UserID)
		return
	}

	dump := rs.world.GatherDumps(rs)
	data, err := json.Marshal(dump)
	if err != nil {
		rs.log.Printf("room %q: marshal server dump: %v", rs.state.RoomID, err)
		return
	}

	msg := newServerMessage()
	msg.ServerStateDump = &ServerStateDump{Dump: data}
	c.queueMessage(msg)
}

func (rs *RoomServer) handleUploadServerState(u *User, m *UploadServerState) {
	if !rs.world.IsAdmin(u.UserID) {
		rs.log.Printf("room %q: non-admin %q attempted state upload", rs.state.RoomID, u.UserID)
		return
	}

	dump, err := ServerDumpFromJSON(m.Data)
	if err != nil {
		rs.log.Printf("room %q: state upload rejected: %v", rs.state.RoomID, err)
		return
	}

	for _, rd := range dump.Rooms {
		if rd.RoomID == rs.state.RoomID {
			if err := rs.state.ApplyDump(rd); err != nil {
				rs.log.Printf("room %q: apply dump: %v", rs.state.RoomID, err)
			}
			continue
		}
		rs.world.applyDumpAsync(rd)
	}

	msg := newServerMessage()
	msg.ChangeRoomState = &ChangeRoomState{Cmd: "server_state_uploaded"}
	rs.broadcast(msg)
}

// handlePingTick runs the periodic maintenance pass: prune chat, sweep
// ghost users, advance the idle state machine, then broadcast the world
// snapshot with a fresh round-trip token.
func (rs *RoomServer) handlePingTick() {
	now := rs.now()

	rs.state.PruneChat(now, rs.maxChatAge)
	rs.sweepGhostUsers()
	rs.checkIdle(now)
	rs.publishSummary()

	rs.pingToken = uuid.NewString()
	rs.pingSentAt = now

	msg := newServerMessage()
	msg.Ping = &PingMessage{
		Token:           rs.pingToken,
		Rooms:           rs.world.Summaries(),
		WorldPopulation: rs.world.Population(),
		ServerUptimeSec: rs.world.UptimeSec(),
	}
	rs.broadcast(msg)
}

// sweepGhostUsers removes users whose socket no longer exists. The
// networking layer can silently lose a disconnect; this is the backstop.
func (rs *RoomServer) sweepGhostUsers() {
	live := make(map[string]struct{}, len(rs.clients))
	for c := range rs.clients {
		if c.userID != "" {
			live[c.userID] = struct{}{}
		}
	}

	for _, u := range append([]*User(nil), rs.state.Users...) {
		if _, ok := live[u.UserID]; !ok {
			rs.log.Printf("room %q: sweeping ghost user %q", rs.state.RoomID, u.UserID)
			rs.removeUserAndCleanup(u)
		}
	}
}

// checkIdle advances the per-(user,instrument) state machine:
// Owned-Active -> Owned-Idle after the idle timeout, Owned-Idle -> Unowned
// after the auto-release timeout on top of that.
func (rs *RoomServer) checkIdle(now time.Time) {
	for _, u := range rs.state.Users {
		inst, _ := rs.state.FindInstrumentByUserID(u.UserID)
		if inst == nil {
			continue
		}

		inactive := now.Sub(u.LastActivity)
		if u.Idle {
			if inactive >= rs.idleTimeout+rs.autoReleaseTimeout {
				rs.log.Printf("room %q: auto-releasing %q from %q",
					rs.state.RoomID, inst.InstrumentID, u.UserID)
				rs.releaseInstrument(inst)
				u.Idle = false
			}
			continue
		}

		if inactive >= rs.idleTimeout {
			u.Idle = true
			msg := newServerMessage()
			msg.InstrumentOwnership = &InstrumentOwnership{
				InstrumentID: inst.InstrumentID,
				UserID:       u.UserID,
				Idle:         true,
			}
			rs.broadcast(msg)
		}
	}
}

func (rs *RoomServer) removeUserAndCleanup(u *User) {
	if inst, _ := rs.state.FindInstrumentByUserID(u.UserID); inst != nil {
		rs.releaseInstrument(inst)
	}
	rs.quant.ClearUser(u.UserID)
	rs.state.RemoveUser(u.UserID)
	rs.world.RevokeAdmin(u.UserID)

	partEntry := NewChatMessage(ChatMessageTypePart, u, fmt.Sprintf("%s left", u.Name), rs.now())
	rs.state.AppendChat(partEntry)

	rs.population.Store(int32(len(rs.state.Users)))
	rs.publishSummary()

	msg := newServerMessage()
	msg.UserLeave = &UserLeave{UserID: u.UserID, ChatMessageEntry: partEntry}
	rs.broadcast(msg)
}

func (rs *RoomServer) broadcast(msg *ServerMessage) {
	for c := range rs.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// publishSummary refreshes the lock-free cross-room view of this room.
func (rs *RoomServer) publishSummary() {
	users := make([]UserSummary, 0, len(rs.state.Users))
	for _, u := range rs.state.Users {
		users = append(users, UserSummary{
			UserID: u.UserID,
			Name:   u.Name,
			Color:  u.Color,
			PingMS: u.PingMS,
		})
	}
	rs.summary.Store(RoomSummary{
		RoomID:     rs.state.RoomID,
		Name:       rs.state.Name,
		Population: len(rs.state.Users),
		Users:      users,
		Stats:      rs.state.Stats,
	})
}

func (rs *RoomServer) Summary() RoomSummary {
	s, _ := rs.summary.Load().(RoomSummary)
	return s
}

func (rs *RoomServer) Population() int {
	return int(rs.population.Load())
}

func (rs *RoomServer) handleExit() {
	rs.log.Printf("room %q is exiting", rs.state.RoomID)

	msg := newServerMessage()
	msg.PleaseReconnect = &PleaseReconnect{}
	rs.broadcast(msg)

	rs.saveSnapshot()

	if rs.beatCancel != nil {
		rs.beatCancel()
	}
	for c := range rs.clients {
		c.shutdown()
	}

	close(rs.done)
}

func (rs *RoomServer) saveSnapshot() {
	if rs.world.snapshotDir == "" {
		return
	}
	if err := SaveRoomDump(rs.world.snapshotDir, DumpRoomState(rs.state)); err != nil {
		rs.log.Printf("room %q: save snapshot: %v", rs.state.RoomID, err)
	}
}
