package invite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshchat/internal/db"
	"meshchat/internal/models"
	"meshchat/internal/service"
	"meshchat/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	frames map[string][]string
}

func newRecorder() *recorder { return &recorder{frames: make(map[string][]string)} }

func (r *recorder) BroadcastToUser(identity string, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, _ := payload.(map[string]any)
	typ, _ := frame["type"].(string)
	r.frames[identity] = append(r.frames[identity], typ)
	return 1
}

func (r *recorder) count(identity, typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames[identity] {
		if f == typ {
			n++
		}
	}
	return n
}

func setup(t *testing.T, opts ...Option) (*Machine, *store.Memory, *recorder) {
	t.Helper()
	st := seedStore(t)
	rec := newRecorder()
	m := NewMachine(st, rec, opts...)
	t.Cleanup(m.Stop)
	return m, st, rec
}

func seedStore(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	for _, u := range []models.User{{ID: "alice", Username: "alice"}, {ID: "bob", Username: "bob"}, {ID: "carol", Username: "carol"}} {
		u := u
		if err := st.CreateUser(ctx, &u); err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
	}
	if err := st.CreateRoom(ctx, &models.Room{ID: "rA", Name: "general", OwnerID: "alice"}); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	return st
}

// failingStore 让接下来的若干次写入返回错误。
type failingStore struct {
	*store.Memory
	mu          sync.Mutex
	acceptFails int
	updateFails int
}

var errStoreDown = errors.New("db down")

func (f *failingStore) AcceptInvite(ctx context.Context, id string) (*models.Invitation, bool, error) {
	f.mu.Lock()
	fail := f.acceptFails > 0
	if fail {
		f.acceptFails--
	}
	f.mu.Unlock()
	if fail {
		return nil, false, errStoreDown
	}
	return f.Memory.AcceptInvite(ctx, id)
}

func (f *failingStore) UpdateInvite(ctx context.Context, id, from, to string) (*models.Invitation, bool, error) {
	f.mu.Lock()
	fail := f.updateFails > 0
	if fail {
		f.updateFails--
	}
	f.mu.Unlock()
	if fail {
		return nil, false, errStoreDown
	}
	return f.Memory.UpdateInvite(ctx, id, from, to)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCreate_NotifiesBothParties(t *testing.T) {
	m, _, rec := setup(t)
	view, err := m.Create(context.Background(), "rA", "alice", "bob")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if view.Status != models.InviteStatusPending || view.RoomName != "general" || view.FromName != "alice" {
		t.Errorf("Create() view = %+v", view)
	}
	if rec.count("bob", "invitation") != 1 {
		t.Error("invitee did not receive invitation")
	}
	if rec.count("alice", "invitation_sent") != 1 {
		t.Error("inviter did not receive invitation_sent")
	}
	if m.Scheduled() != 1 {
		t.Errorf("Scheduled() = %d, want 1", m.Scheduled())
	}
}

func TestCreate_Rejections(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "rA", "alice", "bob"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name string
		room string
		from string
		to   string
		want error
	}{
		{"non owner", "rA", "bob", "carol", service.ErrNotRoomOwner},
		{"unknown room", "missing", "alice", "bob", service.ErrRoomNotFound},
		{"unknown invitee", "rA", "alice", "zed", service.ErrUserNotFound},
		{"self", "rA", "alice", "alice", service.Validation("cannot invite yourself")},
		{"duplicate pending", "rA", "alice", "bob", service.ErrInvitePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.room, tt.from, tt.to)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreate_ExistingMember(t *testing.T) {
	m, st, _ := setup(t)
	ctx := context.Background()
	if err := st.AddRoomMember(ctx, "rA", "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(ctx, "rA", "alice", "carol"); !errors.Is(err, service.ErrAlreadyMember) {
		t.Errorf("Create() error = %v, want ErrAlreadyMember", err)
	}
}

func TestRespond_Accept(t *testing.T) {
	m, st, rec := setup(t)
	ctx := context.Background()
	view, _ := m.Create(ctx, "rA", "alice", "bob")

	if _, err := m.Respond(ctx, view.ID, "carol", Accept); !errors.Is(err, service.ErrNotInvitee) {
		t.Errorf("Respond(non invitee) error = %v, want ErrNotInvitee", err)
	}
	got, err := m.Respond(ctx, view.ID, "bob", Accept)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got.Status != models.InviteStatusAccepted {
		t.Errorf("status = %s, want accepted", got.Status)
	}
	if ok, _ := st.IsRoomMember(ctx, "rA", "bob"); !ok {
		t.Error("bob should be a member after accept")
	}
	if m.Scheduled() != 0 {
		t.Errorf("Scheduled() = %d, want 0", m.Scheduled())
	}
	if rec.count("alice", "invitation_response") != 1 || rec.count("bob", "invitation_response") != 1 {
		t.Error("both parties should receive invitation_response")
	}

	if _, err := m.Respond(ctx, view.ID, "bob", Reject); !errors.Is(err, service.ErrInviteResolved) {
		t.Errorf("second Respond() error = %v, want ErrInviteResolved", err)
	}
	if rec.count("bob", "invitation_response") != 1 {
		t.Error("resolved invitation must not notify again")
	}
}

func TestRespond_Reject(t *testing.T) {
	m, st, _ := setup(t)
	ctx := context.Background()
	view, _ := m.Create(ctx, "rA", "alice", "bob")
	got, err := m.Respond(ctx, view.ID, "bob", Reject)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got.Status != models.InviteStatusDeclined {
		t.Errorf("status = %s, want declined", got.Status)
	}
	if ok, _ := st.IsRoomMember(ctx, "rA", "bob"); ok {
		t.Error("bob must not be a member after reject")
	}
	if _, err := m.Respond(ctx, "missing", "bob", Accept); !errors.Is(err, service.ErrInviteNotFound) {
		t.Errorf("Respond(missing) error = %v, want ErrInviteNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	m, st, rec := setup(t, WithTTL(20*time.Millisecond))
	ctx := context.Background()
	view, err := m.Create(ctx, "rA", "alice", "bob")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, func() bool {
		inv, _ := st.GetInvite(ctx, view.ID)
		return inv.Status == models.InviteStatusExpired
	})
	waitFor(t, func() bool { return rec.count("bob", "invitation_expired") == 1 })
	if rec.count("alice", "invitation_expired") != 1 {
		t.Error("inviter should receive invitation_expired")
	}
	if m.Scheduled() != 0 {
		t.Errorf("Scheduled() = %d, want 0", m.Scheduled())
	}
	if _, err := m.Respond(ctx, view.ID, "bob", Accept); !errors.Is(err, service.ErrInviteResolved) {
		t.Errorf("Respond(expired) error = %v, want ErrInviteResolved", err)
	}
	if ok, _ := st.IsRoomMember(ctx, "rA", "bob"); ok {
		t.Error("expired invitation must not grant membership")
	}
	// 过期后可以重新邀请
	if _, err := m.Create(ctx, "rA", "alice", "bob"); err != nil {
		t.Errorf("Create() after expiry error = %v", err)
	}
}

func TestRespond_RacesExpiry(t *testing.T) {
	for i := 0; i < 50; i++ {
		m, st, rec := setup(t, WithTTL(time.Millisecond))
		ctx := context.Background()
		view, err := m.Create(ctx, "rA", "alice", "bob")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		accepted := 0
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.Respond(ctx, view.ID, "bob", Accept); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		waitFor(t, func() bool {
			inv, _ := st.GetInvite(ctx, view.ID)
			return !inv.Pending()
		})
		time.Sleep(5 * time.Millisecond)

		terminal := rec.count("bob", "invitation_response") + rec.count("bob", "invitation_expired")
		if terminal != 1 {
			t.Fatalf("iteration %d: %d terminal notifications, want 1", i, terminal)
		}
		if accepted > 1 {
			t.Fatalf("iteration %d: %d accepts succeeded", i, accepted)
		}
		inv, _ := st.GetInvite(ctx, view.ID)
		member, _ := st.IsRoomMember(ctx, "rA", "bob")
		if member != (inv.Status == models.InviteStatusAccepted) {
			t.Fatalf("iteration %d: member=%v status=%s", i, member, inv.Status)
		}
	}
}

func TestRecover(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m, st, rec := setup(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	past := models.Invitation{ID: "past", RoomID: "rA", FromID: "alice", ToID: "bob",
		Status: models.InviteStatusPending, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	future := models.Invitation{ID: "future", RoomID: "rA", FromID: "alice", ToID: "carol",
		Status: models.InviteStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	done := models.Invitation{ID: "done", RoomID: "rA", FromID: "alice", ToID: "carol",
		Status: models.InviteStatusDeclined, CreatedAt: now, ExpiresAt: now.Add(-time.Hour)}
	for _, inv := range []*models.Invitation{&past, &future, &done} {
		if err := st.CreateInvite(ctx, inv); err != nil {
			t.Fatal(err)
		}
	}

	expired, scheduled, err := m.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if expired != 1 || scheduled != 1 {
		t.Errorf("Recover() = (%d, %d), want (1, 1)", expired, scheduled)
	}
	if inv, _ := st.GetInvite(ctx, "past"); inv.Status != models.InviteStatusExpired {
		t.Errorf("past status = %s, want expired", inv.Status)
	}
	if inv, _ := st.GetInvite(ctx, "done"); inv.Status != models.InviteStatusDeclined {
		t.Errorf("terminal invitation changed to %s", inv.Status)
	}
	if m.Scheduled() != 1 {
		t.Errorf("Scheduled() = %d, want 1", m.Scheduled())
	}
	if rec.count("bob", "invitation_expired") != 0 {
		t.Error("recovery must not notify")
	}

	pending, err := m.PendingFor(ctx, "carol")
	if err != nil || len(pending) != 1 || pending[0].ID != "future" {
		t.Errorf("PendingFor(carol) = %v, %v", pending, err)
	}

	// 重复调用不会重复排期
	if _, scheduled, _ := m.Recover(ctx); scheduled != 0 {
		t.Errorf("second Recover() scheduled = %d, want 0", scheduled)
	}

	m.Stop()
	if m.Scheduled() != 0 {
		t.Errorf("Scheduled() after Stop = %d, want 0", m.Scheduled())
	}
	if _, err := m.Create(ctx, "rA", "alice", "bob"); !errors.Is(err, service.ErrShuttingDown) {
		t.Errorf("Create() after Stop error = %v, want ErrShuttingDown", err)
	}
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]Decision{"accept": Accept, "reject": Reject, "decline": Reject} {
		if got, err := ParseDecision(in); err != nil || got != want {
			t.Errorf("ParseDecision(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDecision("expired"); service.KindOf(err) != service.KindValidation {
		t.Errorf("ParseDecision(expired) error = %v, want validation", err)
	}
}

func TestRecover_AfterRestart(t *testing.T) {
	gdb, err := db.Connect("sqlite", "file:invite_restart?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("db.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("db.Migrate() error = %v", err)
	}
	st := store.NewGormStore(gdb)
	ctx := context.Background()
	for _, u := range []models.User{{ID: "alice", Username: "alice", PasswordHash: "x"}, {ID: "bob", Username: "bob", PasswordHash: "x"}} {
		u := u
		if err := st.CreateUser(ctx, &u); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.CreateRoom(ctx, &models.Room{ID: "rA", Name: "general", OwnerID: "alice"}); err != nil {
		t.Fatal(err)
	}

	first := NewMachine(st, newRecorder(), WithTTL(time.Hour))
	view, err := first.Create(ctx, "rA", "alice", "bob")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	first.Stop()

	later := time.Now().Add(2 * time.Hour)
	second := NewMachine(st, newRecorder(), WithClock(func() time.Time { return later }))
	defer second.Stop()
	expired, scheduled, err := second.Recover(ctx)
	if err != nil || expired != 1 || scheduled != 0 {
		t.Fatalf("Recover() = (%d, %d, %v), want (1, 0, nil)", expired, scheduled, err)
	}
	inv, err := st.GetInvite(ctx, view.ID)
	if err != nil || inv.Status != models.InviteStatusExpired {
		t.Errorf("status after restart = %v, %v, want expired", inv, err)
	}
	if ok, _ := st.IsRoomMember(ctx, "rA", "bob"); ok {
		t.Error("expiry must not touch membership")
	}
}

func TestRespond_AcceptStoreFailure(t *testing.T) {
	st := &failingStore{Memory: seedStore(t)}
	rec := newRecorder()
	m := NewMachine(st, rec, WithTTL(50*time.Millisecond))
	t.Cleanup(m.Stop)
	ctx := context.Background()

	view, err := m.Create(ctx, "rA", "alice", "bob")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	st.mu.Lock()
	st.acceptFails = 1
	st.mu.Unlock()
	if _, err := m.Respond(ctx, view.ID, "bob", Accept); service.KindOf(err) != service.KindInternal {
		t.Fatalf("Respond() error = %v, want internal", err)
	}
	if ok, _ := st.IsRoomMember(ctx, "rA", "bob"); ok {
		t.Error("failed accept must not grant membership")
	}
	if rec.count("bob", "invitation_response") != 0 {
		t.Error("failed accept must not notify")
	}
	if m.Scheduled() != 1 {
		t.Errorf("Scheduled() = %d, want 1", m.Scheduled())
	}

	waitFor(t, func() bool {
		inv, _ := st.GetInvite(ctx, view.ID)
		return inv.Status == models.InviteStatusExpired
	})
	if ok, _ := st.IsRoomMember(ctx, "rA", "bob"); ok {
		t.Error("expired invitation must not grant membership")
	}
}

func TestExpiry_RetriesAfterStoreFailure(t *testing.T) {
	st := &failingStore{Memory: seedStore(t), updateFails: 1}
	rec := newRecorder()
	m := NewMachine(st, rec, WithTTL(10*time.Millisecond))
	m.retry = 100 * time.Millisecond
	t.Cleanup(m.Stop)
	ctx := context.Background()

	view, err := m.Create(ctx, "rA", "alice", "bob")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitFor(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.updateFails == 0
	})
	if m.Scheduled() != 1 {
		t.Errorf("Scheduled() after failed expiry = %d, want 1", m.Scheduled())
	}
	if inv, _ := st.GetInvite(ctx, view.ID); inv.Status != models.InviteStatusPending {
		t.Errorf("status after failed expiry = %q, want pending", inv.Status)
	}

	waitFor(t, func() bool {
		inv, _ := st.GetInvite(ctx, view.ID)
		return inv.Status == models.InviteStatusExpired
	})
	waitFor(t, func() bool { return m.Scheduled() == 0 })
	time.Sleep(50 * time.Millisecond)
	for _, who := range []string{"alice", "bob"} {
		if n := rec.count(who, "invitation_expired"); n != 1 {
			t.Errorf("%s invitation_expired count = %d, want 1", who, n)
		}
	}
}
