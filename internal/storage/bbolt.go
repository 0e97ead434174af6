package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"confab/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketConversations = []byte("conversations")
	bucketPairIndex     = []byte("conversation_pairs")
	bucketMessages      = []byte("messages")
	bucketPresence      = []byte("presence")
)

// BboltStore is the embedded Store adapter. A bbolt update transaction is
// single-writer, which is what makes get-or-create and append+denorm atomic.
type BboltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketConversations, bucketPairIndex, bucketMessages, bucketPresence} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStore{db: db, now: time.Now}, nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}

// pairKey is the canonical index key for an unordered user pair.
func pairKey(userA, userB string) []byte {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return []byte(ids[0] + "\x00" + ids[1])
}

func (s *BboltStore) GetOrCreateConversation(ctx context.Context, userA, userB string) (models.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, false, err
	}

	ids := []string{userA, userB}
	sort.Strings(ids)

	var (
		conv    models.Conversation
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketPairIndex)
		convs := tx.Bucket(bucketConversations)

		key := pairKey(userA, userB)
		if id := idx.Get(key); id != nil {
			data := convs.Get(id)
			if data == nil {
				return fmt.Errorf("pair index points at missing conversation %s", id)
			}
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(data); err != nil {
				return err
			}
			conv = dbConv.toModel()
			return nil
		}

		now := s.now()
		dbConv := DBConversation{
			ID:        uuid.NewString(),
			UserA:     ids[0],
			UserB:     ids[1],
			CreatedAt: now.UnixNano(),
			UpdatedAt: now.UnixNano(),
		}
		data, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		if err := convs.Put(dbConv.Key(), data); err != nil {
			return err
		}
		if err := idx.Put(key, dbConv.Key()); err != nil {
			return err
		}
		conv = dbConv.toModel()
		created = true
		return nil
	})
	return conv, created, err
}

func (s *BboltStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return models.Conversation{}, err
	}

	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(data); err != nil {
			return err
		}
		conv = dbConv.toModel()
		return nil
	})
	return conv, err
}

func (s *BboltStore) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbConv.UserA != userID && dbConv.UserB != userID {
				return nil
			}
			convs = append(convs, dbConv.toModel())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *BboltStore) AppendMessage(ctx context.Context, msg models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("message missing conversation id")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMsg := fromMessage(msg)
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		// Refresh the parent's denormalized last-message fields in the same
		// transaction. Missing parent fails the append: a message must not
		// outlive its conversation row.
		convs := tx.Bucket(bucketConversations)
		convData := convs.Get([]byte(msg.ConversationID))
		if convData == nil {
			return fmt.Errorf("conversation %s not found for message append", msg.ConversationID)
		}
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convData); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		if dbMsg.CreatedAt >= dbConv.LastMessageAt {
			dbConv.LastMessage = dbMsg.Content
			dbConv.LastMessageAt = dbMsg.CreatedAt
		}
		dbConv.UpdatedAt = dbMsg.CreatedAt
		newData, err := dbConv.MarshalBinary()
		if err != nil {
			return err
		}
		return convs.Put(dbConv.Key(), newData)
	})
}

func (s *BboltStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}

	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // no messages yet
		}

		// Keys are time-ordered, so scanning from the tail yields
		// newest-first pages.
		c := chatBucket.Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.toModel())
			if len(messages) == limit {
				return nil
			}
		}
		return nil
	})
	return messages, err
}

func (s *BboltStore) MarkRead(ctx context.Context, conversationID, viewerID string, at time.Time) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var flipped []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil
		}

		c := chatBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID != viewerID || dbMsg.IsRead {
				continue
			}
			dbMsg.IsRead = true
			dbMsg.UpdatedAt = at.UnixNano()
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return err
			}
			if err := chatBucket.Put(k, data); err != nil {
				return err
			}
			flipped = append(flipped, dbMsg.toModel())
		}
		return nil
	})
	return flipped, err
}

func (s *BboltStore) CountUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID == viewerID && !dbMsg.IsRead {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BboltStore) UpsertUser(ctx context.Context, user models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
}

func (s *BboltStore) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}

	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

func (s *BboltStore) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, nil
}

func (s *BboltStore) UpsertPresence(ctx context.Context, rec models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		dbPresence := DBPresence{
			UserID:   rec.UserID,
			IsOnline: rec.IsOnline,
			LastSeen: rec.LastSeen.UnixNano(),
		}
		data, err := dbPresence.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPresence).Put(dbPresence.Key(), data)
	})
}

func (s *BboltStore) GetPresence(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.PresenceRecord{}, err
	}

	var rec models.PresenceRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get([]byte(userID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbPresence DBPresence
		if err := dbPresence.UnmarshalBinary(data); err != nil {
			return err
		}
		rec = dbPresence.toModel()
		return nil
	})
	return rec, err
}

func (s *BboltStore) SweepStalePresence(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	swept := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var dbPresence DBPresence
			if err := dbPresence.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbPresence.IsOnline && dbPresence.LastSeen < cutoff.UnixNano() {
				stale = append(stale, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			var dbPresence DBPresence
			if err := dbPresence.UnmarshalBinary(b.Get(k)); err != nil {
				return err
			}
			dbPresence.IsOnline = false
			data, err := dbPresence.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	return swept, err
}
