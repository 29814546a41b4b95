package models

import "time"

// Note is a single note as held in the local cache.
type Note struct {
	ID              int64     `json:"id" yaml:"id"`
	Title           string    `json:"title" yaml:"title"`
	Description     string    `json:"description" yaml:"description"`
	CreatedAt       time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
	CreatorName     string    `json:"creator_name,omitempty" yaml:"creator_name,omitempty"`
	CreatorUsername string    `json:"creator_username,omitempty" yaml:"creator_username,omitempty"`

	// Pending is set while the latest local change has not been
	// acknowledged by the server.
	Pending bool `json:"pending" yaml:"pending"`
}

// IsTemporary reports whether the note still carries a locally
// allocated id.
func (n Note) IsTemporary() bool {
	return IsTemporaryID(n.ID)
}

// IsTemporaryID reports whether id was allocated locally for a note
// the server has not confirmed yet.
func IsTemporaryID(id int64) bool {
	return id < 0
}

// NoteRequest is the body for note create and update calls.
type NoteRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// NoteList is one page of the remote note listing.
type NoteList struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []Note  `json:"results"`
}

// NextCursor returns the next page URL, or "" on the last page.
func (l *NoteList) NextCursor() string {
	if l.Next == nil {
		return ""
	}
	return *l.Next
}

// Payload returns the request body carrying the note's editable fields.
func (n Note) Payload() NoteRequest {
	return NoteRequest{Title: n.Title, Description: n.Description}
}
