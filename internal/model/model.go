// Package model defines shared data structures.
package model

import (
	"strings"
	"time"
)

// Link is one relation from a feed or entry to a resource.
// Rel and Type are empty when the source document omits them.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel,omitempty"`
	Type string `json:"type,omitempty"`
}

// Entry represents one catalog item (a book or a sub-collection).
type Entry struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Updated string `json:"updated,omitempty"`
	Summary string `json:"summary,omitempty"`
	Content string `json:"content,omitempty"`
	Links   []Link `json:"links"`
}

// Feed is one Atom document. Root feeds and sub-feeds share this shape.
type Feed struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title,omitempty"`
	Updated string  `json:"updated,omitempty"`
	Icon    string  `json:"icon,omitempty"`
	Links   []Link  `json:"links"`
	Entries []Entry `json:"entries"`
}

// LinkKind tells what following a link does.
type LinkKind string

const (
	LinkNavigation  LinkKind = "navigation"
	LinkAcquisition LinkKind = "acquisition"
	LinkUnknown     LinkKind = "unknown"
)

// LoginPayload is the user input of the authentication exchange.
type LoginPayload struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"password"`
	APIKey   string `json:"apiKey,omitempty"`
}

// Session is the result of a successful authentication exchange.
type Session struct {
	Host         string `json:"host"`
	BaseURL      string `json:"baseUrl"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"` // RFC 3339
	Username     string `json:"username,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
}

// HasAPIKey reports whether the session can reach the OPDS root feed.
func (s Session) HasAPIKey() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// Expired reports whether ExpiresAt lies before now. Sessions without a
// parseable expiry never expire.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, s.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(t)
}

// DownloadStatus is the lifecycle state of a DownloadRecord.
type DownloadStatus string

const (
	StatusIdle        DownloadStatus = "idle"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusError       DownloadStatus = "error"
)

// Terminal reports whether no further transition may follow.
func (s DownloadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// DownloadRecord tracks one download attempt.
type DownloadRecord struct {
	ID           string         `json:"id"`
	Title        string         `json:"title,omitempty"`
	SourceURL    string         `json:"sourceUrl"`
	ResolvedURL  string         `json:"resolvedUrl"` // lookup key for "already downloaded"
	MimeType     string         `json:"mimeType,omitempty"`
	Rel          string         `json:"rel,omitempty"`
	Status       DownloadStatus `json:"status"`
	Progress     float64        `json:"progress"`
	LocalURI     string         `json:"localUri,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// EnqueuePayload carries the fields of a new DownloadRecord.
type EnqueuePayload struct {
	Title       string
	SourceURL   string
	ResolvedURL string
	MimeType    string
	Rel         string
}

// Settings key constants.
const (
	SettingLastHost     = "last_host"
	SettingLastUsername = "last_username"
)
