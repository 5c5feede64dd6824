package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingCap is the maximum number of buffered messages per user; older
// entries are evicted first.
const pendingCap = 100

// onlineSetKey holds the set of usernames considered online across all replicas.
const onlineSetKey = "online_users"

func onlineUserKey(username string) string { return "online_user:" + username }
func tokenKey(token string) string         { return "session:" + token }
func userTokenKey(username string) string  { return "user_session:" + username }
func pendingKey(username string) string    { return "pending_messages:" + username }

// PresenceRecord is the JSON detail stored per online user. A user counts as
// online only when both this record and the online_users membership exist;
// either one alone is stale and removed on observation.
type PresenceRecord struct {
	ServerID  string `json:"server_id"`
	LoginTime string `json:"login_time"`
	UserID    int64  `json:"user_id,omitempty"`
}

// Store is the typed facade over the coordinator: presence, resume tokens,
// pending-message buffers, and pub/sub. Safe for concurrent use.
type Store struct {
	rdb         *redis.Client
	presenceTTL time.Duration
	tokenTTL    time.Duration
}

// NewStore creates a coordinator store. presenceTTL bounds the per-user
// presence detail key; tokenTTL bounds resume tokens and pending-message
// buffers and must not undercut presenceTTL, or resume would stop working
// before presence expires.
func NewStore(rdb *redis.Client, presenceTTL, tokenTTL time.Duration) *Store {
	return &Store{rdb: rdb, presenceTTL: presenceTTL, tokenTTL: tokenTTL}
}

// AddOnline marks the user online on the given replica: writes the detail key
// with the presence TTL and adds the username to the online set.
func (s *Store) AddOnline(ctx context.Context, username, replicaID string, userID int64) error {
	data, err := json.Marshal(PresenceRecord{
		ServerID:  replicaID,
		LoginTime: time.Now().UTC().Format(time.RFC3339),
		UserID:    userID,
	})
	if err != nil {
		return fmt.Errorf("marshal presence for %s: %w", username, err)
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, onlineUserKey(username), data, s.presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, username)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add online %s: %w", username, err)
	}
	return nil
}

// RemoveOnline deletes both the detail key and the set membership.
func (s *Store) RemoveOnline(ctx context.Context, username string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, onlineUserKey(username))
	pipe.SRem(ctx, onlineSetKey, username)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove online %s: %w", username, err)
	}
	return nil
}

// IsOnline reports whether the user is online. A set member whose detail key
// has expired is stale: it is removed from the set and reported offline.
func (s *Store) IsOnline(ctx context.Context, username string) (bool, error) {
	member, err := s.rdb.SIsMember(ctx, onlineSetKey, username).Result()
	if err != nil {
		return false, fmt.Errorf("check online %s: %w", username, err)
	}
	if !member {
		return false, nil
	}

	exists, err := s.rdb.Exists(ctx, onlineUserKey(username)).Result()
	if err != nil {
		return false, fmt.Errorf("check presence detail %s: %w", username, err)
	}
	if exists == 0 {
		// Lazy reconciliation; best-effort, the next reader retries.
		_ = s.rdb.SRem(ctx, onlineSetKey, username).Err()
		return false, nil
	}
	return true, nil
}

// ListOnline returns all online usernames, sorted, reconciling stale set
// members whose detail keys have expired.
func (s *Store) ListOnline(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = onlineUserKey(name)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence details: %w", err)
	}

	online := make([]string, 0, len(names))
	var stale []any
	for i, v := range vals {
		if v == nil {
			stale = append(stale, names[i])
			continue
		}
		online = append(online, names[i])
	}
	if len(stale) > 0 {
		_ = s.rdb.SRem(ctx, onlineSetKey, stale...).Err()
	}

	sort.Strings(online)
	return online, nil
}

// Presence returns the detail record for an online user, or nil when the user
// has no live detail key.
func (s *Store) Presence(ctx context.Context, username string) (*PresenceRecord, error) {
	raw, err := s.rdb.Get(ctx, onlineUserKey(username)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get presence for %s: %w", username, err)
	}

	var rec PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal presence for %s: %w", username, err)
	}
	return &rec, nil
}

// TouchPresence extends the TTL of the user's detail key without rewriting it.
func (s *Store) TouchPresence(ctx context.Context, username string) error {
	if err := s.rdb.Expire(ctx, onlineUserKey(username), s.presenceTTL).Err(); err != nil {
		return fmt.Errorf("touch presence for %s: %w", username, err)
	}
	return nil
}

// OnlineCount returns the cardinality of the online set. The scaling
// controller polls this; stale members inflate the count only until the next
// reconciling read.
func (s *Store) OnlineCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count online users: %w", err)
	}
	return n, nil
}

// UsersPerReplica folds live presence details into a per-replica connection
// count. Stale set members are skipped (not reconciled here; reads that
// return user lists handle that).
func (s *Store) UsersPerReplica(ctx context.Context) (map[string]int, error) {
	names, err := s.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	if len(names) == 0 {
		return map[string]int{}, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = onlineUserKey(name)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget presence details: %w", err)
	}

	counts := make(map[string]int)
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		counts[rec.ServerID]++
	}
	return counts, nil
}
