package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/presenceio/relay/internal/presence"
	"github.com/presenceio/relay/pkg/protocol"
)

// updateScript merges a partial update into a stored user, only if the user
// key still exists. Running as a script keeps the read-merge-write atomic so
// an update racing a leave can never resurrect a removed user.
var updateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return false
end
local user = cjson.decode(raw)
if ARGV[1] ~= '' then
	user['cursor'] = cjson.decode(ARGV[1])
end
if ARGV[2] ~= '' then
	user['typing'] = ARGV[2] == 'true'
end
local out = cjson.encode(user)
redis.call('SET', KEYS[1], out)
return out
`)

// Redis mirrors room membership into a shared Redis instance and fans
// broadcasts out over per-room pub/sub channels, so multiple relay
// processes see one membership view.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	pubsub *redis.PubSub
	subs   map[string][]*redisSub
	closed bool
	wg     sync.WaitGroup
}

type redisSub struct {
	store  *Redis
	roomID string
	h      presence.Handler
	closed bool
}

// NewRedis creates a store on top of an existing client. All keys and
// channels are namespaced by prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		subs:   make(map[string][]*redisSub),
	}
}

// Join implements presence.Store.
func (s *Redis) Join(ctx context.Context, roomID, userID string, metadata map[string]any) error {
	u := protocol.User{ID: userID, RoomID: roomID, Metadata: metadata}
	raw, err := json.Marshal(u)
	if err != nil {
		return wrap("join", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.userKey(roomID, userID), raw, 0)
	pipe.SAdd(ctx, s.membersKey(roomID), userID)
	_, err = pipe.Exec(ctx)
	return wrap("join", err)
}

// Leave implements presence.Store. An empty member set disappears from
// Redis on its own, which releases the room.
func (s *Redis) Leave(ctx context.Context, roomID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.userKey(roomID, userID))
	pipe.SRem(ctx, s.membersKey(roomID), userID)
	_, err := pipe.Exec(ctx)
	return wrap("leave", err)
}

// Update implements presence.Store.
func (s *Redis) Update(ctx context.Context, roomID, userID string, upd presence.UserUpdate) (*protocol.User, error) {
	var cursorArg, typingArg string
	if upd.Cursor != nil {
		raw, err := json.Marshal(upd.Cursor)
		if err != nil {
			return nil, wrap("update", err)
		}
		cursorArg = string(raw)
	}
	if upd.Typing != nil {
		typingArg = fmt.Sprintf("%t", *upd.Typing)
	}

	res, err := updateScript.Run(ctx, s.client, []string{s.userKey(roomID, userID)}, cursorArg, typingArg).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("update", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, wrap("update", fmt.Errorf("unexpected script result %T", res))
	}
	var u protocol.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, wrap("update", err)
	}
	return &u, nil
}

// Users implements presence.Store. The set read and the per-user reads are
// not transactional; members removed in between are skipped.
func (s *Redis) Users(ctx context.Context, roomID string) ([]protocol.User, error) {
	ids, err := s.client.SMembers(ctx, s.membersKey(roomID)).Result()
	if err != nil {
		return nil, wrap("users", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.userKey(roomID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrap("users", err)
	}
	users := make([]protocol.User, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var u protocol.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// Subscribe implements presence.Store. All rooms share one PubSub
// connection; per-room channel subscriptions are reference-counted so a
// second local subscriber never opens a duplicate.
func (s *Redis) Subscribe(ctx context.Context, roomID string, h presence.Handler) (presence.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, wrap("subscribe", fmt.Errorf("store closed"))
	}
	if s.pubsub == nil {
		s.pubsub = s.client.Subscribe(context.Background())
		s.wg.Add(1)
		go s.readLoop(s.pubsub)
	}

	first := len(s.subs[roomID]) == 0
	if first {
		if err := s.pubsub.Subscribe(ctx, s.channel(roomID)); err != nil {
			return nil, wrap("subscribe", err)
		}
	}
	sub := &redisSub{store: s, roomID: roomID, h: h}
	s.subs[roomID] = append(s.subs[roomID], sub)
	return sub, nil
}

// Broadcast implements presence.Store.
func (s *Redis) Broadcast(ctx context.Context, roomID string, payload []byte) error {
	return wrap("broadcast", s.client.Publish(ctx, s.channel(roomID), payload).Err())
}

// Close tears down the shared subscriber connection.
func (s *Redis) Close() error {
	s.mu.Lock()
	s.closed = true
	ps := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	if ps != nil {
		ps.Close()
	}
	s.wg.Wait()
	return nil
}

func (sub *redisSub) Close() error {
	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.closed {
		return nil
	}
	sub.closed = true

	list := s.subs[sub.roomID]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.subs, sub.roomID)
		if s.pubsub != nil {
			return wrap("unsubscribe", s.pubsub.Unsubscribe(context.Background(), s.channel(sub.roomID)))
		}
		return nil
	}
	s.subs[sub.roomID] = list
	return nil
}

// readLoop demultiplexes the shared subscriber connection to the local
// per-room handler sets. go-redis reconnects the underlying connection and
// replays its channel set itself; if the message channel still terminates
// while registrations remain, the loop rebuilds the PubSub and re-issues
// every registered room channel so no registration is silently dropped.
func (s *Redis) readLoop(ps *redis.PubSub) {
	defer s.wg.Done()

	for msg := range ps.Channel() {
		roomID := s.roomOf(msg.Channel)
		s.mu.Lock()
		handlers := make([]presence.Handler, 0, len(s.subs[roomID]))
		for _, sub := range s.subs[roomID] {
			handlers = append(handlers, sub.h)
		}
		s.mu.Unlock()

		for _, h := range handlers {
			invoke(h, []byte(msg.Payload))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pubsub != ps || len(s.subs) == 0 {
		return
	}
	channels := make([]string, 0, len(s.subs))
	for roomID := range s.subs {
		channels = append(channels, s.channel(roomID))
	}
	s.pubsub = s.client.Subscribe(context.Background(), channels...)
	s.wg.Add(1)
	go s.readLoop(s.pubsub)
}

func (s *Redis) userKey(roomID, userID string) string {
	return s.prefix + "room:" + roomID + ":user:" + userID
}

func (s *Redis) membersKey(roomID string) string {
	return s.prefix + "room:" + roomID + ":members"
}

func (s *Redis) channel(roomID string) string {
	return s.prefix + "channel:" + roomID
}

func (s *Redis) roomOf(channel string) string {
	return strings.TrimPrefix(channel, s.prefix+"channel:")
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &presence.StoreError{Op: op, Err: err}
}
