package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wirechat/wirechat-server/internal/config"
	"github.com/wirechat/wirechat-server/internal/coord"
	"github.com/wirechat/wirechat-server/internal/user"
)

type fakeUsers struct {
	byName map[string]*user.Credentials
	nextID int64

	nextSessionID int64
	openSessions  []int64
	closed        []int64
	rotatedHash   string
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byName: make(map[string]*user.Credentials), nextID: 1, nextSessionID: 100}
}

func (f *fakeUsers) seed(username, hash string) *user.Credentials {
	c := &user.Credentials{
		User:         user.User{ID: f.nextID, Username: username, CreatedAt: time.Now()},
		PasswordHash: hash,
	}
	f.nextID++
	f.byName[username] = c
	return c
}

func (f *fakeUsers) Create(_ context.Context, params user.CreateParams) (*user.User, error) {
	if _, ok := f.byName[params.Username]; ok {
		return nil, user.ErrUsernameTaken
	}
	c := f.seed(params.Username, params.PasswordHash)
	return &c.User, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*user.User, error) {
	c, ok := f.byName[username]
	if !ok {
		return nil, user.ErrNotFound
	}
	return &c.User, nil
}

func (f *fakeUsers) GetCredentials(_ context.Context, username string) (*user.Credentials, error) {
	c, ok := f.byName[username]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

func (f *fakeUsers) List(context.Context, int64) ([]user.User, error) { return nil, nil }

func (f *fakeUsers) Count(context.Context) (int, error) { return len(f.byName), nil }

func (f *fakeUsers) UpdatePasswordHash(_ context.Context, userID int64, hash string) error {
	f.rotatedHash = hash
	for _, c := range f.byName {
		if c.ID == userID {
			c.PasswordHash = hash
		}
	}
	return nil
}

func (f *fakeUsers) OpenSession(context.Context, int64) (int64, error) {
	f.nextSessionID++
	f.openSessions = append(f.openSessions, f.nextSessionID)
	return f.nextSessionID, nil
}

func (f *fakeUsers) CloseSession(_ context.Context, sessionID int64) error {
	f.closed = append(f.closed, sessionID)
	return nil
}

func testConfig() *config.Server {
	return &config.Server{
		Argon2Memory:      testMemory,
		Argon2Iterations:  testIterations,
		Argon2Parallelism: testParallelism,
		Argon2SaltLength:  testSaltLen,
		Argon2KeyLength:   testKeyLen,
	}
}

func newTestService(t *testing.T) (*Service, *fakeUsers, *coord.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := coord.NewStore(rdb, 1800*time.Second, 3600*time.Second)
	users := newFakeUsers()
	return NewService(users, store, testConfig(), zerolog.Nop()), users, store, mr
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()
	svc, users, store, _ := newTestService(t)
	users.seed("alice", testHash(t, "secret"))
	ctx := context.Background()

	sess, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if sess.Username != "alice" || sess.UserID != 1 {
		t.Errorf("Login() session = %+v, want alice/1", sess)
	}
	if sess.DurableID == 0 {
		t.Error("Login() did not open a durable session")
	}

	rec, err := store.LookupToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("LookupToken() error = %v", err)
	}
	if rec.Username != "alice" || rec.UserID != 1 {
		t.Errorf("token record = %+v, want alice/1", rec)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	t.Parallel()
	svc, users, _, _ := newTestService(t)
	users.seed("alice", testHash(t, "secret"))
	ctx := context.Background()

	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("Login() with wrong password error = %v, want ErrBadCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody", "secret"); !errors.Is(err, ErrBadCredentials) {
		t.Errorf("Login() with unknown user error = %v, want ErrBadCredentials", err)
	}
}

func TestLoginRotatesLegacyHash(t *testing.T) {
	t.Parallel()
	svc, users, _, _ := newTestService(t)
	users.seed("alice", legacyHash("secret"))

	if _, err := svc.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !strings.HasPrefix(users.rotatedHash, "$argon2id$") {
		t.Errorf("stored hash after login = %q, want argon2id", users.rotatedHash)
	}

	// And the rotated hash must keep working.
	if _, err := svc.Login(context.Background(), "alice", "secret"); err != nil {
		t.Fatalf("Login() after rotation error = %v", err)
	}
}

func TestSignup(t *testing.T) {
	t.Parallel()
	svc, users, store, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Signup(ctx, "bob", "hunter2")
	if err != nil {
		t.Fatalf("Signup() error = %v", err)
	}
	if sess.Username != "bob" {
		t.Errorf("Signup() username = %q, want bob", sess.Username)
	}
	if users.byName["bob"] == nil || IsLegacyHash(users.byName["bob"].PasswordHash) {
		t.Error("Signup() did not store an argon2id hash")
	}
	if _, err := store.LookupToken(ctx, sess.Token); err != nil {
		t.Errorf("LookupToken() after signup error = %v", err)
	}

	if _, err := svc.Signup(ctx, "bob", "hunter2"); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("Signup() duplicate error = %v, want ErrUsernameTaken", err)
	}
}

func TestSignupValidation(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Signup(ctx, "a", "hunter2"); !errors.Is(err, ErrUsernameLength) {
		t.Errorf("Signup() short username error = %v, want ErrUsernameLength", err)
	}
	if _, err := svc.Signup(ctx, "al|ce", "hunter2"); !errors.Is(err, ErrUsernameInvalidChars) {
		t.Errorf("Signup() bad chars error = %v, want ErrUsernameInvalidChars", err)
	}
	if _, err := svc.Signup(ctx, "alice", ""); !errors.Is(err, ErrPasswordEmpty) {
		t.Errorf("Signup() empty password error = %v, want ErrPasswordEmpty", err)
	}
}

func TestResume(t *testing.T) {
	t.Parallel()
	svc, users, _, _ := newTestService(t)
	users.seed("alice", testHash(t, "secret"))
	ctx := context.Background()

	sess, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	resumed, err := svc.Resume(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.Username != "alice" || resumed.Token != sess.Token {
		t.Errorf("Resume() session = %+v, want same token for alice", resumed)
	}
	if resumed.DurableID == sess.DurableID {
		t.Error("Resume() reused the previous durable session id")
	}
}

func TestResumeExpiredToken(t *testing.T) {
	t.Parallel()
	svc, users, _, mr := newTestService(t)
	users.seed("alice", testHash(t, "secret"))
	ctx := context.Background()

	sess, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	mr.FastForward(3601 * time.Second)

	if _, err := svc.Resume(ctx, sess.Token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Resume() after TTL error = %v, want ErrSessionExpired", err)
	}
}

func TestResumeUnknownToken(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)

	if _, err := svc.Resume(context.Background(), "no-such-token"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Resume() unknown token error = %v, want ErrSessionExpired", err)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()
	svc, users, store, _ := newTestService(t)
	users.seed("alice", testHash(t, "secret"))
	ctx := context.Background()

	sess, err := svc.Login(ctx, "alice", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if err := svc.Logout(ctx, sess); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	if len(users.closed) != 1 || users.closed[0] != sess.DurableID {
		t.Errorf("closed sessions = %v, want [%d]", users.closed, sess.DurableID)
	}
	if _, err := store.LookupToken(ctx, sess.Token); !errors.Is(err, coord.ErrTokenNotFound) {
		t.Errorf("LookupToken() after logout error = %v, want ErrTokenNotFound", err)
	}
}
