// Package model defines domain entities used by services and stores.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// RepoStatus is the lifecycle state of a mirrored repository.
type RepoStatus string

// Repository lifecycle states. Removed is a soft delete: the record is kept
// so historical anonymized links keep resolving to a distinct answer.
const (
	StatusReady   RepoStatus = "ready"
	StatusSyncing RepoStatus = "syncing"
	StatusError   RepoStatus = "error"
	StatusRemoved RepoStatus = "removed"
)

// SourceGitHub is the default external source.
const SourceGitHub = "github"

// Branch is one mirrored branch head with its cached README.
type Branch struct {
	Name   string  `json:"name"`
	Commit string  `json:"commit"`
	Readme *string `json:"readme,omitempty"`
	// ReadmeTooLarge marks a branch whose README exceeded the file size
	// limit; the readme stays nil but the branch itself is kept.
	ReadmeTooLarge bool `json:"readmeTooLarge,omitempty"`
}

// PageSource locates the branch/path a source serves pages from.
// Only meaningful when Repository.HasPage is true.
type PageSource struct {
	Branch string `json:"branch"`
	Path   string `json:"path"`
}

// Repository is the mirrored metadata of one externally-hosted repository.
// Identity is (Source, ExternalID); Name is indexed but not unique.
type Repository struct {
	ID            int64
	Source        string
	ExternalID    string
	Name          string
	URL           string
	Status        RepoStatus
	SizeKB        int64 // as last observed from the source
	DefaultBranch string
	Branches      []Branch // unique on Name
	HasPage       bool
	PageSource    *PageSource
	LastError     string // reason for the last error status, empty otherwise
	DateOfEntry   time.Time
	LastSyncedAt  time.Time
	UpdatedAt     time.Time
}

// FindBranch returns the branch with the given name, or nil.
func (r *Repository) FindBranch(name string) *Branch {
	for i := range r.Branches {
		if r.Branches[i].Name == name {
			return &r.Branches[i]
		}
	}
	return nil
}

// RepoFields is a partial update for UpsertByExternalID. Nil fields are left
// untouched on merge; on first creation missing fields keep zero values.
type RepoFields struct {
	Name          *string
	URL           *string
	SizeKB        *int64
	DefaultBranch *string
	HasPage       *bool
	PageSource    *PageSource // set together with HasPage; nil clears when HasPage is false
	LastSyncedAt  *time.Time
}

// ExpirationMode controls when anonymized links stop resolving.
type ExpirationMode string

const (
	ExpireNever  ExpirationMode = "never"
	ExpireOnPush ExpirationMode = "on-push"
	ExpireTimed  ExpirationMode = "timed"
)

// PolicyOptions are the content-handling toggles of an anonymization policy.
type PolicyOptions struct {
	ExpirationMode ExpirationMode `json:"expirationMode"`
	Update         bool           `json:"update"`
	Image          bool           `json:"image"`
	PDF            bool           `json:"pdf"`
	Notebook       bool           `json:"notebook"`
	Link           bool           `json:"link"`
	Page           string         `json:"page"`
}

// Policy is a full anonymization policy: redaction terms plus options.
// ExpiresAt must be set when ExpirationMode is ExpireTimed.
type Policy struct {
	Terms     []string      `json:"terms"`
	Options   PolicyOptions `json:"options"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
}

// DefaultPolicy is applied to new users by the create path (not by the
// schema, so the default stays centralized and testable).
func DefaultPolicy() Policy {
	return Policy{
		Terms: []string{},
		Options: PolicyOptions{
			ExpirationMode: ExpireNever,
			Update:         true,
			Image:          true,
			PDF:            true,
			Notebook:       true,
			Link:           true,
			Page:           "",
		},
	}
}

// OptionOverrides carries per-repository option replacements. Present (non
// nil) fields replace the user default; absent fields fall through.
type OptionOverrides struct {
	ExpirationMode *ExpirationMode `json:"expirationMode,omitempty"`
	Update         *bool           `json:"update,omitempty"`
	Image          *bool           `json:"image,omitempty"`
	PDF            *bool           `json:"pdf,omitempty"`
	Notebook       *bool           `json:"notebook,omitempty"`
	Link           *bool           `json:"link,omitempty"`
	Page           *string         `json:"page,omitempty"`
}

// PolicyOverride is an optional per-(user, repository) policy override.
// Terms are unioned with the default unless ReplaceTerms is set.
type PolicyOverride struct {
	Username     string
	Source       string
	ExternalID   string
	ReplaceTerms bool
	Terms        []string
	Options      OptionOverrides
	ExpiresAt    *time.Time
}

// Email is one address of a user. At most one entry per user is default;
// a user with any email has exactly one default.
type Email struct {
	Email     string `json:"email"`
	IsDefault bool   `json:"isDefault"`
}

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserDisabled UserStatus = "disabled"
)

// User is an account resolved from the external identity provider.
// AccessToken is a secret: never logged, never included in list views.
type User struct {
	ID          uuid.UUID
	Username    string // unique
	Source      string
	ExternalID  string
	AccessToken string
	Photo       string
	Emails      []Email
	// Repositories holds (source-scoped) external ids the user registered.
	// Weak references: a removed Repository is not cascaded out, dangling
	// entries are filtered at read time.
	Repositories  []string
	DefaultPolicy Policy
	Status        UserStatus
	DateOfEntry   time.Time
}

// DefaultEmail returns the default email address, or empty if none.
func (u *User) DefaultEmail() string {
	for _, e := range u.Emails {
		if e.IsDefault {
			return e.Email
		}
	}
	return ""
}
