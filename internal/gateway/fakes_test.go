package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/auth"
	"github.com/wirechat/wirechat-server/internal/chat"
	"github.com/wirechat/wirechat-server/internal/config"
	"github.com/wirechat/wirechat-server/internal/coord"
	"github.com/wirechat/wirechat-server/internal/group"
	"github.com/wirechat/wirechat-server/internal/user"
)

const testReplicaID = "replica-test"

type fakeUsers struct {
	mu     sync.Mutex
	byName map[string]*user.Credentials
	nextID int64

	nextSessionID int64
	closed        []int64
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byName: make(map[string]*user.Credentials), nextID: 1, nextSessionID: 100}
}

func (f *fakeUsers) seed(username, hash string) *user.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &user.Credentials{
		User:         user.User{ID: f.nextID, Username: username, CreatedAt: time.Now()},
		PasswordHash: hash,
	}
	f.nextID++
	f.byName[username] = c
	return c
}

func (f *fakeUsers) Create(_ context.Context, params user.CreateParams) (*user.User, error) {
	f.mu.Lock()
	_, taken := f.byName[params.Username]
	f.mu.Unlock()
	if taken {
		return nil, user.ErrUsernameTaken
	}
	c := f.seed(params.Username, params.PasswordHash)
	return &c.User, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byName[username]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &c.User, nil
}

func (f *fakeUsers) GetCredentials(_ context.Context, username string) (*user.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byName[username]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

func (f *fakeUsers) List(_ context.Context, excludingID int64) ([]user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var users []user.User
	for _, c := range f.byName {
		if c.ID == excludingID {
			continue
		}
		users = append(users, c.User)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (f *fakeUsers) Count(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byName), nil
}

func (f *fakeUsers) UpdatePasswordHash(_ context.Context, userID int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byName {
		if c.ID == userID {
			c.PasswordHash = hash
		}
	}
	return nil
}

func (f *fakeUsers) OpenSession(context.Context, int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSessionID++
	return f.nextSessionID, nil
}

func (f *fakeUsers) CloseSession(_ context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeUsers) closedSessions() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.closed...)
}

type fakeChats struct {
	mu         sync.Mutex
	convs      map[[2]int64]int64
	nextConv   int64
	private    map[int64][]chat.Message
	broadcasts []chat.BroadcastMessage
	nextMsg    int64
}

func newFakeChats() *fakeChats {
	return &fakeChats{convs: make(map[[2]int64]int64), private: make(map[int64][]chat.Message)}
}

func (f *fakeChats) GetOrCreateConversation(_ context.Context, u1, u2 int64) (int64, error) {
	if u1 == u2 {
		return 0, chat.ErrSameUserPair
	}
	p1, p2 := chat.CanonicalPair(u1, u2)
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]int64{p1, p2}
	if id, ok := f.convs[key]; ok {
		return id, nil
	}
	f.nextConv++
	f.convs[key] = f.nextConv
	return f.nextConv, nil
}

func (f *fakeChats) AppendPrivate(_ context.Context, conversationID, senderID int64, senderUsername, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	f.private[conversationID] = append(f.private[conversationID], chat.Message{
		ID:             f.nextMsg,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		Text:           text,
		CreatedAt:      time.Now(),
	})
	return nil
}

func (f *fakeChats) HistoryPrivate(_ context.Context, conversationID int64, limit int) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.private[conversationID]
	limit = chat.ClampLimit(limit)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]chat.Message(nil), msgs...), nil
}

func (f *fakeChats) AppendBroadcast(_ context.Context, senderID int64, senderUsername, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	f.broadcasts = append(f.broadcasts, chat.BroadcastMessage{
		ID:             f.nextMsg,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		Text:           text,
		CreatedAt:      time.Now(),
	})
	return nil
}

func (f *fakeChats) HistoryBroadcast(_ context.Context, limit int) ([]chat.BroadcastMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.broadcasts
	limit = chat.ClampLimit(limit)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]chat.BroadcastMessage(nil), msgs...), nil
}

type fakeGroupRepo struct {
	mu        sync.Mutex
	groups    map[int64]*group.Group
	members   map[int64]map[int64]*group.Member
	msgs      map[int64][]group.Message
	nextGroup int64
	nextMsg   int64
	allRead   map[string]bool // "<groupID>/<userID>"
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{
		groups:  make(map[int64]*group.Group),
		members: make(map[int64]map[int64]*group.Member),
		msgs:    make(map[int64][]group.Message),
		allRead: make(map[string]bool),
	}
}

func (f *fakeGroupRepo) Create(_ context.Context, name, description string, creatorID int64, creatorUsername string) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.groups {
		if g.Name == name && g.IsActive {
			return nil, group.ErrNameTaken
		}
	}
	f.nextGroup++
	g := &group.Group{
		ID:              f.nextGroup,
		Name:            name,
		Description:     description,
		CreatedByUserID: creatorID,
		CreatedAt:       time.Now(),
		LastMessageAt:   time.Now(),
		IsActive:        true,
	}
	f.groups[g.ID] = g
	f.members[g.ID] = map[int64]*group.Member{
		creatorID: {UserID: creatorID, Username: creatorUsername, Role: group.RoleAdmin, JoinedAt: time.Now()},
	}
	f.appendLocked(g.ID, creatorID, group.SystemSender,
		fmt.Sprintf("Group '%s' created by %s", name, creatorUsername), group.TypeSystem)
	return g, nil
}

func (f *fakeGroupRepo) AddMember(_ context.Context, groupID, userID int64, username, addedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[groupID]; !ok {
		return group.ErrNotFound
	}
	if _, ok := f.members[groupID][userID]; ok {
		return group.ErrAlreadyMember
	}
	f.members[groupID][userID] = &group.Member{UserID: userID, Username: username, Role: group.RoleMember, JoinedAt: time.Now()}
	f.appendLocked(groupID, userID, group.SystemSender,
		fmt.Sprintf("%s was added to the group by %s", username, addedBy), group.TypeSystem)
	return nil
}

func (f *fakeGroupRepo) RemoveMember(_ context.Context, groupID, userID int64, username, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.members[groupID][userID]; !ok {
		return group.ErrNotMember
	}
	delete(f.members[groupID], userID)
	f.appendLocked(groupID, userID, group.SystemSender, fmt.Sprintf("%s left the group", username), group.TypeSystem)
	if len(f.members[groupID]) == 0 {
		f.groups[groupID].IsActive = false
	}
	return nil
}

func (f *fakeGroupRepo) ListUserGroups(_ context.Context, userID int64) ([]group.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []group.Summary
	for id, g := range f.groups {
		if !g.IsActive {
			continue
		}
		m, ok := f.members[id][userID]
		if !ok {
			continue
		}
		out = append(out, group.Summary{
			ID: id, Name: g.Name, Description: g.Description,
			MemberCount: len(f.members[id]), Role: m.Role, IsMember: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeGroupRepo) ListActiveGroups(_ context.Context, userID int64) ([]group.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []group.Summary
	for id, g := range f.groups {
		if !g.IsActive {
			continue
		}
		_, member := f.members[id][userID]
		out = append(out, group.Summary{
			ID: id, Name: g.Name, Description: g.Description,
			MemberCount: len(f.members[id]), IsMember: member,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeGroupRepo) SearchGroups(ctx context.Context, term string, userID int64) ([]group.Summary, error) {
	all, err := f.ListActiveGroups(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []group.Summary
	for _, g := range all {
		if containsFold(g.Name, term) || containsFold(g.Description, term) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGroupRepo) Members(_ context.Context, groupID int64) ([]group.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []group.Member
	for _, m := range f.members[groupID] {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *fakeGroupRepo) Info(_ context.Context, groupID int64) (*group.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return nil, group.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (f *fakeGroupRepo) IsMember(_ context.Context, groupID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[groupID][userID]
	return ok, nil
}

func (f *fakeGroupRepo) AppendMessage(_ context.Context, groupID, senderID int64, senderUsername, text, msgType string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[groupID]; !ok {
		return 0, group.ErrNotFound
	}
	return f.appendLocked(groupID, senderID, senderUsername, text, msgType), nil
}

func (f *fakeGroupRepo) appendLocked(groupID, senderID int64, senderUsername, text, msgType string) int64 {
	f.nextMsg++
	f.msgs[groupID] = append(f.msgs[groupID], group.Message{
		ID: f.nextMsg, GroupID: groupID, SenderID: senderID,
		SenderUsername: senderUsername, Text: text, Type: msgType, CreatedAt: time.Now(),
	})
	return f.nextMsg
}

func (f *fakeGroupRepo) History(_ context.Context, groupID int64, limit int) ([]group.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs[groupID]
	limit = chat.ClampLimit(limit)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]group.Message(nil), msgs...), nil
}

func (f *fakeGroupRepo) MarkRead(context.Context, int64, int64) error { return nil }

func (f *fakeGroupRepo) MarkAllRead(_ context.Context, groupID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allRead[fmt.Sprintf("%d/%d", groupID, userID)] = true
	return nil
}

func containsFold(haystack, needle string) bool {
	h, n := []rune(haystack), []rune(needle)
	for i := 0; i+len(n) <= len(h); i++ {
		match := true
		for j := range n {
			a, b := h[i+j], n[j]
			if a != b && toLower(a) != toLower(b) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

type testHub struct {
	hub    *Hub
	users  *fakeUsers
	chats  *fakeChats
	groups *fakeGroupRepo
	store  *coord.Store
	mr     *miniredis.Miniredis
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := coord.NewStore(rdb, 1800*time.Second, 3600*time.Second)

	users := newFakeUsers()
	chats := newFakeChats()
	groupRepo := newFakeGroupRepo()
	groupSvc := group.NewService(groupRepo, store, zerolog.Nop())

	cfg := &config.Server{
		Argon2Memory:      16384,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
	authSvc := auth.NewService(users, store, cfg, zerolog.Nop())

	hub := NewHub(store, users, chats, groupSvc, authSvc, testReplicaID, zerolog.Nop())
	return &testHub{hub: hub, users: users, chats: chats, groups: groupRepo, store: store, mr: mr}
}
