package call

import (
	"context"
	"fmt"
	"sync"

	"skillswap-backend/internal/domain"
)

// fakeSignaling is a shared record store that delivers changes
// synchronously, outside its own lock
type fakeSignaling struct {
	mu        sync.Mutex
	records   map[string]*domain.CallRecord
	subs      map[string]map[int]func(*domain.CallRecord)
	queries   map[int]querySub
	nextSub   int
	createErr error
	updateErr error
}

type querySub struct {
	filter  domain.CallFilter
	onAdded func(*domain.CallRecord)
	seen    map[string]bool
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		records: make(map[string]*domain.CallRecord),
		subs:    make(map[string]map[int]func(*domain.CallRecord)),
		queries: make(map[int]querySub),
	}
}

func (s *fakeSignaling) Create(_ context.Context, rec *domain.CallRecord) (string, error) {
	s.mu.Lock()
	if s.createErr != nil {
		s.mu.Unlock()
		return "", s.createErr
	}
	s.records[rec.ID] = rec.Clone()
	added := s.matchesLocked(rec)
	s.mu.Unlock()

	for _, fn := range added {
		fn(rec.Clone())
	}
	return rec.ID, nil
}

func (s *fakeSignaling) matchesLocked(rec *domain.CallRecord) []func(*domain.CallRecord) {
	var out []func(*domain.CallRecord)
	for _, q := range s.queries {
		if q.filter.Matches(rec) && !q.seen[rec.ID] {
			q.seen[rec.ID] = true
			out = append(out, q.onAdded)
		}
	}
	return out
}

func (s *fakeSignaling) Get(_ context.Context, id string) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Clone(), nil
}

func (s *fakeSignaling) Update(_ context.Context, id string, patch domain.CallPatch) error {
	s.mu.Lock()
	if s.updateErr != nil {
		s.mu.Unlock()
		return s.updateErr
	}
	rec, ok := s.records[id]
	if !ok || !patch.Apply(rec) {
		s.mu.Unlock()
		return nil
	}
	snap := rec.Clone()
	listeners := s.listenersLocked(id)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snap.Clone())
	}
	return nil
}

func (s *fakeSignaling) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.records[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.records, id)
	listeners := s.listenersLocked(id)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(nil)
	}
	return nil
}

func (s *fakeSignaling) listenersLocked(id string) []func(*domain.CallRecord) {
	out := make([]func(*domain.CallRecord), 0, len(s.subs[id]))
	for _, fn := range s.subs[id] {
		out = append(out, fn)
	}
	return out
}

func (s *fakeSignaling) Subscribe(_ context.Context, id string, onChange func(*domain.CallRecord), _ func(error)) (Unsubscribe, error) {
	s.mu.Lock()
	subID := s.nextSub
	s.nextSub++
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]func(*domain.CallRecord))
	}
	s.subs[id][subID] = onChange
	current := s.records[id].Clone()
	s.mu.Unlock()

	onChange(current)
	return func() {
		s.mu.Lock()
		delete(s.subs[id], subID)
		s.mu.Unlock()
	}, nil
}

func (s *fakeSignaling) SubscribeQuery(_ context.Context, filter domain.CallFilter, onAdded func(*domain.CallRecord)) (Unsubscribe, error) {
	s.mu.Lock()
	subID := s.nextSub
	s.nextSub++
	q := querySub{filter: filter, onAdded: onAdded, seen: make(map[string]bool)}
	s.queries[subID] = q
	var existing []*domain.CallRecord
	for _, rec := range s.records {
		if filter.Matches(rec) {
			q.seen[rec.ID] = true
			existing = append(existing, rec.Clone())
		}
	}
	s.mu.Unlock()

	for _, rec := range existing {
		onAdded(rec)
	}
	return func() {
		s.mu.Lock()
		delete(s.queries, subID)
		s.mu.Unlock()
	}, nil
}

func (s *fakeSignaling) listenerCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[id])
}

func (s *fakeSignaling) exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

// opLog wraps a signaling channel and records the order of one party's
// unsubscribe, update and delete operations
type opLog struct {
	SignalingChannel
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	l.ops = append(l.ops, op)
	l.mu.Unlock()
}

func (l *opLog) Update(ctx context.Context, id string, patch domain.CallPatch) error {
	if patch.Ended {
		l.add("end:" + id)
	}
	return l.SignalingChannel.Update(ctx, id, patch)
}

func (l *opLog) Delete(ctx context.Context, id string) error {
	l.add("delete:" + id)
	return l.SignalingChannel.Delete(ctx, id)
}

func (l *opLog) Subscribe(ctx context.Context, id string, onChange func(*domain.CallRecord), onError func(error)) (Unsubscribe, error) {
	unsub, err := l.SignalingChannel.Subscribe(ctx, id, onChange, onError)
	if err != nil {
		return nil, err
	}
	return func() {
		l.add("unsubscribe:" + id)
		unsub()
	}, nil
}

func (l *opLog) index(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.ops {
		if o == op {
			return i
		}
	}
	return -1
}

// fakeRooms connects fake media sessions that join the same room
type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]*fakeMedia
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{rooms: make(map[string]map[string]*fakeMedia)}
}

type fakeMedia struct {
	rooms *fakeRooms

	mu          sync.Mutex
	room        string
	identity    string
	events      MediaEvents
	connectErr  error
	cameraErr   error
	connects    int
	disconnects int
	camera      bool
	mic         bool
	screen      bool
}

func (r *fakeRooms) media() *fakeMedia {
	return &fakeMedia{rooms: r}
}

func (m *fakeMedia) Connect(_ context.Context, room, identity, _ string, events MediaEvents) error {
	m.mu.Lock()
	m.connects++
	if m.connectErr != nil {
		err := m.connectErr
		m.mu.Unlock()
		return err
	}
	m.room, m.identity, m.events = room, identity, events
	m.mu.Unlock()

	m.rooms.mu.Lock()
	if m.rooms.rooms[room] == nil {
		m.rooms.rooms[room] = make(map[string]*fakeMedia)
	}
	var others []*fakeMedia
	for _, other := range m.rooms.rooms[room] {
		others = append(others, other)
	}
	m.rooms.rooms[room][identity] = m
	m.rooms.mu.Unlock()

	for _, other := range others {
		otherID, otherEvents := other.peer()
		events.ParticipantJoined(otherID)
		events.TrackSubscribed(otherID, domain.TrackAudio)
		otherEvents.ParticipantJoined(identity)
	}
	return nil
}

func (m *fakeMedia) Disconnect(_ context.Context) error {
	m.mu.Lock()
	m.disconnects++
	room, identity := m.room, m.identity
	m.room = ""
	m.mu.Unlock()
	if room == "" {
		return nil
	}

	m.rooms.mu.Lock()
	delete(m.rooms.rooms[room], identity)
	var others []*fakeMedia
	for _, other := range m.rooms.rooms[room] {
		others = append(others, other)
	}
	m.rooms.mu.Unlock()

	for _, other := range others {
		_, otherEvents := other.peer()
		otherEvents.ParticipantLeft(identity)
	}
	return nil
}

func (m *fakeMedia) peer() (string, MediaEvents) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, m.events
}

// drop simulates a transport failure
func (m *fakeMedia) drop() {
	m.mu.Lock()
	events := m.events
	m.mu.Unlock()
	events.Disconnected(fmt.Errorf("connection lost"))
}

func (m *fakeMedia) EnableCamera(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cameraErr != nil {
		return m.cameraErr
	}
	m.camera = on
	return nil
}

func (m *fakeMedia) EnableMicrophone(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mic = on
	return nil
}

func (m *fakeMedia) EnableScreenShare(_ context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.screen = on
	return nil
}

func (m *fakeMedia) setConnectErr(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

func (m *fakeMedia) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// fakeChat is a shared message log keyed by session
type fakeChat struct {
	mu        sync.Mutex
	logs      map[string][]domain.ChatMessage
	subs      map[string]map[int]func([]domain.ChatMessage)
	summaries map[string]domain.SessionSummary
	nextSub   int
	uploads   int
	uploadErr error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		logs:      make(map[string][]domain.ChatMessage),
		subs:      make(map[string]map[int]func([]domain.ChatMessage)),
		summaries: make(map[string]domain.SessionSummary),
	}
}

func (f *fakeChat) Append(_ context.Context, sessionID string, msg *domain.ChatMessage) (bool, error) {
	f.mu.Lock()
	for _, m := range f.logs[sessionID] {
		if m.ID == msg.ID {
			f.mu.Unlock()
			return false, nil
		}
	}
	f.logs[sessionID] = append(f.logs[sessionID], *msg)
	msgs := append([]domain.ChatMessage(nil), f.logs[sessionID]...)
	var subs []func([]domain.ChatMessage)
	for _, fn := range f.subs[sessionID] {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn(msgs)
	}
	return true, nil
}

func (f *fakeChat) Subscribe(_ context.Context, sessionID string, onMessages func([]domain.ChatMessage)) (Unsubscribe, error) {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[int]func([]domain.ChatMessage))
	}
	f.subs[sessionID][id] = onMessages
	msgs := append([]domain.ChatMessage(nil), f.logs[sessionID]...)
	f.mu.Unlock()

	onMessages(msgs)
	return func() {
		f.mu.Lock()
		delete(f.subs[sessionID], id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeChat) UpdateSessionSummary(_ context.Context, sessionID string, summary domain.SessionSummary) error {
	f.mu.Lock()
	f.summaries[sessionID] = summary
	f.mu.Unlock()
	return nil
}

func (f *fakeChat) AttachFile(_ context.Context, _ string, file domain.FileUpload) (*domain.FileAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	return &domain.FileAttachment{
		URL:         "https://files.example.com/" + file.Name,
		Name:        file.Name,
		ContentType: file.ContentType,
		Size:        file.Size,
	}, nil
}

func (f *fakeChat) callSummaries(sessionID string) []domain.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ChatMessage
	for _, m := range f.logs[sessionID] {
		if m.IsCallSummary() {
			out = append(out, m)
		}
	}
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []domain.CallNotice
}

func (n *fakeNotifier) Push(_ context.Context, notice domain.CallNotice) error {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) kinds() []domain.NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.NoticeKind, 0, len(n.notices))
	for _, notice := range n.notices {
		out = append(out, notice.Kind)
	}
	return out
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []*domain.CallHistoryEntry
}

func (h *fakeHistory) Record(_ context.Context, entry *domain.CallHistoryEntry) error {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
