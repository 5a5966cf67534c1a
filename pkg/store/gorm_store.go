package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"roomchat/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations. TranslateError
// turns driver-specific unique violations into gorm.ErrDuplicatedKey so
// CreateRoom can report name collisions.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &RoomModel{}, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser registers or updates a user profile.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "email"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateRoom persists a new room. The unique index on name decides
// races between concurrent creates.
func (s *GormStore) CreateRoom(r domain.Room) error {
	model, err := roomToModel(r)
	if err != nil {
		return err
	}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("room %q: %w", r.Name, ErrDuplicateName)
		}
		return err
	}
	return nil
}

// GetRoom retrieves a room by ID.
func (s *GormStore) GetRoom(id string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	room, err := roomFromModel(model)
	if err != nil {
		return domain.Room{}, false, err
	}
	return room, true, nil
}

// GetRoomByName looks up a room by its exact name.
func (s *GormStore) GetRoomByName(name string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, "name = ?", name).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	room, err := roomFromModel(model)
	if err != nil {
		return domain.Room{}, false, err
	}
	return room, true, nil
}

// ListRooms returns all rooms, newest first.
func (s *GormStore) ListRooms() ([]domain.Room, error) {
	var models []RoomModel
	if err := s.db.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Room, 0, len(models))
	for _, m := range models {
		room, err := roomFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, room)
	}
	return res, nil
}

// AddRoomMember unions the user into the member set inside a
// transaction with a row lock, so concurrent joins serialize.
func (s *GormStore) AddRoomMember(roomID, userID string) (domain.Room, error) {
	var room domain.Room
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model RoomModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&model, "id = ?", roomID).Error; err != nil {
			return err
		}
		members, err := decodeMembers(model.Members)
		if err != nil {
			return err
		}
		if !members[userID] {
			members[userID] = true
			encoded, err := json.Marshal(members)
			if err != nil {
				return fmt.Errorf("encode members: %w", err)
			}
			model.Members = datatypes.JSON(encoded)
			if err := tx.Model(&RoomModel{}).
				Where("id = ?", roomID).
				Update("members", model.Members).Error; err != nil {
				return err
			}
		}
		room, err = roomFromModel(model)
		return err
	})
	if err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// AppendMessage records a message in the room's log.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListRoomMessages returns the room's messages in send order.
func (s *GormStore) ListRoomMessages(roomID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("room_id = ?", roomID).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Email:       u.Email,
		CreatedAt:   u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:          m.ID,
		DisplayName: m.DisplayName,
		AvatarURL:   m.AvatarURL,
		Email:       m.Email,
		CreatedAt:   m.CreatedAt,
	}
}

func roomToModel(r domain.Room) (RoomModel, error) {
	members := make(map[string]bool, len(r.Members))
	for _, id := range r.Members {
		members[id] = true
	}
	encoded, err := json.Marshal(members)
	if err != nil {
		return RoomModel{}, fmt.Errorf("encode members: %w", err)
	}
	return RoomModel{
		ID:           r.ID,
		Name:         r.Name,
		Private:      r.Private,
		CodeHash:     r.CodeHash,
		CreatorID:    r.CreatorID,
		CreatorEmail: r.CreatorEmail,
		Members:      datatypes.JSON(encoded),
		CreatedAt:    r.CreatedAt,
	}, nil
}

func roomFromModel(m RoomModel) (domain.Room, error) {
	members, err := decodeMembers(m.Members)
	if err != nil {
		return domain.Room{}, err
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return domain.Room{
		ID:           m.ID,
		Name:         m.Name,
		Private:      m.Private,
		CodeHash:     m.CodeHash,
		CreatorID:    m.CreatorID,
		CreatorEmail: m.CreatorEmail,
		Members:      ids,
		CreatedAt:    m.CreatedAt,
	}, nil
}

func decodeMembers(raw []byte) (map[string]bool, error) {
	members := make(map[string]bool)
	if len(raw) == 0 {
		return members, nil
	}
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return members, nil
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		Author:    msg.Author,
		AvatarURL: msg.AvatarURL,
		Text:      msg.Text,
		ImageURL:  msg.ImageURL,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Author:    m.Author,
		AvatarURL: m.AvatarURL,
		Text:      m.Text,
		ImageURL:  m.ImageURL,
		CreatedAt: m.CreatedAt,
	}
}
