package models

import "time"

// Table names mirror the hosted backend's schema.
const (
	TableGroups      = "user_groups"
	TableMemberships = "group_members"
	TableMessages    = "group_messages"
)

type User struct {
	ID   string `bson:"_id" json:"id"`
	Name string `bson:"real_name,omitempty" json:"real_name,omitempty"`
}

type Group struct {
	ID          string    `bson:"_id,omitempty" json:"id"`
	Name        string    `bson:"name" json:"name"`
	Description string    `bson:"description,omitempty" json:"description,omitempty"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at,omitempty" json:"updated_at,omitempty"`
}

type Membership struct {
	GroupID string `bson:"group_id" json:"group_id"`
	UserID  string `bson:"user_id" json:"user_id"`
	IsAdmin bool   `bson:"is_admin" json:"is_admin"`
}

type Message struct {
	ID         string    `bson:"_id,omitempty" json:"id"`
	GroupID    string    `bson:"group_id" json:"group_id"`
	SenderID   string    `bson:"sender_id" json:"sender_id"`
	SenderName string    `bson:"sender_name,omitempty" json:"sender_name,omitempty"`
	Content    string    `bson:"content" json:"content"`
	CreatedAt  time.Time `bson:"created_at" json:"created_at"`
}

// Less orders messages by creation time, with the id as tie-break.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
