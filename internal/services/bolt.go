package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of chats and
// their messages. It is also the ChatPersister of transcripts whose chats are stored locally.
type BoltDB struct {
	db *bolt.DB
}

type boltChat struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Seq   uint64 `json:"seq"`
}

var chatsBucket = []byte("chats")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Chats retrieves all stored chats, newest first. Messages are not loaded.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var records []boltChat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var rec boltChat
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(records, func(a, b boltChat) int {
		switch {
		case a.Seq > b.Seq:
			return -1
		case a.Seq < b.Seq:
			return 1
		}
		return 0
	})

	chats := make([]models.Chat, len(records))
	for i, rec := range records {
		chats[i] = models.Chat{ID: rec.ID, Title: rec.Title}
	}
	return chats, nil
}

// Chat retrieves the chat with the given ID together with its messages in their stored order. It returns
// models.ErrChatNotFound if there is no such chat.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return models.ErrChatNotFound
		}
		var rec boltChat
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		chat = models.Chat{ID: rec.ID, Title: rec.Title, Messages: []models.Message{}}

		mb := tx.Bucket(messageBucketName(chatID))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			chat.Messages = append(chat.Messages, message)
			return nil
		})
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AddChat stores a new chat and creates its message bucket. A chat without ID gets a random one. The
// messages of the given chat, if any, are stored as well.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (models.Chat, error) {
	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}
	if chat.Title == "" {
		chat.Title = models.Title(chat.Messages)
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(chatsBucket)
		if cb.Get([]byte(chat.ID)) != nil {
			return fmt.Errorf("chat %s already exists", chat.ID)
		}

		seq, err := cb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		if err := putChat(cb, boltChat{ID: chat.ID, Title: chat.Title, Seq: seq}); err != nil {
			return err
		}

		return putMessages(tx, chat.ID, chat.Messages)
	})
	if err != nil {
		return models.Chat{}, err
	}

	if chat.Messages == nil {
		chat.Messages = []models.Message{}
	}
	return chat, nil
}

// SaveMessages replaces the messages of the chat with the given ID. A chat without title is titled after
// its first user message. It returns models.ErrChatNotFound if there is no such chat.
func (b BoltDB) SaveMessages(_ context.Context, chatID string, messages []models.Message) (models.Chat, error) {
	var saved models.Chat
	err := b.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(chatsBucket)
		v := cb.Get([]byte(chatID))
		if v == nil {
			return models.ErrChatNotFound
		}
		var rec boltChat
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}

		if rec.Title == "" {
			rec.Title = models.Title(messages)
			if err := putChat(cb, rec); err != nil {
				return err
			}
		}

		if err := putMessages(tx, chatID, messages); err != nil {
			return err
		}

		saved = models.Chat{ID: rec.ID, Title: rec.Title, Messages: slices.Clone(messages)}
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	if saved.Messages == nil {
		saved.Messages = []models.Message{}
	}
	return saved, nil
}

func putChat(cb *bolt.Bucket, rec boltChat) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	return cb.Put([]byte(rec.ID), v)
}

// putMessages recreates the message bucket of a chat, keyed by position.
func putMessages(tx *bolt.Tx, chatID string, messages []models.Message) error {
	name := messageBucketName(chatID)
	if tx.Bucket(name) != nil {
		if err := tx.DeleteBucket(name); err != nil {
			return fmt.Errorf("failed to delete message bucket: %w", err)
		}
	}

	mb, err := tx.CreateBucket(name)
	if err != nil {
		return fmt.Errorf("failed to create message bucket: %w", err)
	}

	for i, msg := range messages {
		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := mb.Put(itob(uint64(i)), v); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
	}
	return nil
}
