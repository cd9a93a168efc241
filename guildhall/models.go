package guildhall

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	MatchModeExact    = "exact"
	MatchModeContains = "contains"

	AltActionLog  = "log"
	AltActionKick = "kick"

	SuggestionStatusPending     = "pending"
	SuggestionStatusApproved    = "approved"
	SuggestionStatusRejected    = "rejected"
	SuggestionStatusImplemented = "implemented"
	SuggestionStatusConsidered  = "considered"

	VoteUp   = "up"
	VoteDown = "down"

	DefaultWelcomeMessage       = "Welcome {user} to **{server}**! You are member #{memberCount}."
	DefaultWelcomeColor         = 0x5865F2
	DefaultAltMinAccountAgeDays = 7
	DefaultTempVCNameTemplate   = "{username}'s channel"

	FeatureWelcome     = "welcome"
	FeatureModeration  = "moderation"
	FeatureSuggestions = "suggestions"
	FeatureTempVoice   = "temp_voice"
	FeatureTickets     = "tickets"
	FeatureLogging     = "logging"

	botSettingsID uint = 1
)

var (
	featureNames = []string{
		FeatureWelcome,
		FeatureModeration,
		FeatureSuggestions,
		FeatureTempVoice,
		FeatureTickets,
		FeatureLogging,
	}

	resolvedStatuses = []string{
		SuggestionStatusApproved,
		SuggestionStatusRejected,
		SuggestionStatusImplemented,
		SuggestionStatusConsidered,
	}
)

// ModelUnixTime holds the timestamps and revision counter shared by every
// stored document. Times are unix milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty" bson:"created_at"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty" bson:"updated_at"`
	Revision  int64 `gorm:"not null;default:0" json:"revision" bson:"revision"`
}

func (m *ModelUnixTime) touch(now time.Time) {
	ms := now.UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = ms
	}
	m.UpdatedAt = ms
	m.Revision++
}

func (m *ModelUnixTime) currentRevision() int64 {
	return m.Revision
}

// document is implemented by every model embedding ModelUnixTime
type document interface {
	touch(now time.Time)
	currentRevision() int64
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id" bson:"-"`
}

// GuildFeatures are the per-guild feature toggles
type GuildFeatures struct {
	Welcome     bool `json:"welcome" bson:"welcome"`
	Moderation  bool `json:"moderation" bson:"moderation"`
	Suggestions bool `json:"suggestions" bson:"suggestions"`
	TempVoice   bool `json:"temp_voice" bson:"temp_voice"`
	Tickets     bool `json:"tickets" bson:"tickets"`
	Logging     bool `json:"logging" bson:"logging"`
}

func (f *GuildFeatures) toggle(name string) (*bool, error) {
	switch strings.ToLower(name) {
	case FeatureWelcome:
		return &f.Welcome, nil
	case FeatureModeration:
		return &f.Moderation, nil
	case FeatureSuggestions:
		return &f.Suggestions, nil
	case FeatureTempVoice, "tempvc", "tempvoice":
		return &f.TempVoice, nil
	case FeatureTickets:
		return &f.Tickets, nil
	case FeatureLogging:
		return &f.Logging, nil
	}
	return nil, fmt.Errorf(
		"unknown feature %q, expected one of: %s",
		name,
		strings.Join(featureNames, ", "),
	)
}

// Set enables or disables the named feature
func (f *GuildFeatures) Set(name string, enabled bool) error {
	t, err := f.toggle(name)
	if err != nil {
		return err
	}
	*t = enabled
	return nil
}

// Enabled reports whether the named feature is on. Unknown names are off.
func (f GuildFeatures) Enabled(name string) bool {
	t, err := f.toggle(name)
	return err == nil && *t
}

type WelcomeSettings struct {
	ChannelID string `json:"channel_id" bson:"channel_id"`
	Message   string `json:"message" bson:"message" binding:"max=1900"`
	RoleID    string `json:"role_id" bson:"role_id"`
	Color     int    `json:"color" bson:"color" binding:"min=0,max=16777215"`
}

type ModerationSettings struct {
	LogChannelID string `json:"log_channel_id" bson:"log_channel_id"`
	MuteRoleID   string `json:"mute_role_id" bson:"mute_role_id"`
}

type LoggingSettings struct {
	ChannelID string `json:"channel_id" bson:"channel_id"`
}

type TicketSettings struct {
	CategoryID    string `json:"category_id" bson:"category_id"`
	SupportRoleID string `json:"support_role_id" bson:"support_role_id"`
}

type AltDetectorSettings struct {
	Enabled           bool   `json:"enabled" bson:"enabled"`
	MinAccountAgeDays int    `json:"min_account_age_days" bson:"min_account_age_days" binding:"min=1,max=365"`
	Action            string `json:"action" bson:"action" binding:"oneof=log kick"`
	LogChannelID      string `json:"log_channel_id" bson:"log_channel_id"`
}

// GuildConfig holds per-guild settings. A guild with no stored config
// uses the values from DefaultGuildConfig.
type GuildConfig struct {
	GuildID     string              `gorm:"primaryKey" json:"guild_id" bson:"_id"`
	Prefix      string              `json:"prefix" bson:"prefix" binding:"max=5"`
	Features    GuildFeatures       `gorm:"embedded;embeddedPrefix:feature_" json:"features" bson:"features"`
	Welcome     WelcomeSettings     `gorm:"embedded;embeddedPrefix:welcome_" json:"welcome" bson:"welcome"`
	Moderation  ModerationSettings  `gorm:"embedded;embeddedPrefix:moderation_" json:"moderation" bson:"moderation"`
	Logging     LoggingSettings     `gorm:"embedded;embeddedPrefix:logging_" json:"logging" bson:"logging"`
	Tickets     TicketSettings      `gorm:"embedded;embeddedPrefix:tickets_" json:"tickets" bson:"tickets"`
	AltDetector AltDetectorSettings `gorm:"embedded;embeddedPrefix:alt_detector_" json:"alt_detector" bson:"alt_detector"`

	ModelUnixTime `bson:",inline"`
}

func DefaultGuildConfig(guildID string) GuildConfig {
	return GuildConfig{
		GuildID: guildID,
		Welcome: WelcomeSettings{
			Message: DefaultWelcomeMessage,
			Color:   DefaultWelcomeColor,
		},
		AltDetector: AltDetectorSettings{
			MinAccountAgeDays: DefaultAltMinAccountAgeDays,
			Action:            AltActionLog,
		},
	}
}

// EffectivePrefix returns the guild's prefix, or fallback if none is set
func (g GuildConfig) EffectivePrefix(fallback string) string {
	if g.Prefix == "" {
		return fallback
	}
	return g.Prefix
}

// Warning is a moderation warning. IDs are dense per guild, starting at 1.
type Warning struct {
	ID          int    `json:"id" bson:"id"`
	GuildID     string `json:"guild_id" bson:"guild_id"`
	Reason      string `json:"reason" bson:"reason"`
	ModeratorID string `json:"moderator_id" bson:"moderator_id"`
	CreatedAt   int64  `json:"created_at" bson:"created_at"`
}

// UserAccount is a user's global economy and moderation record
type UserAccount struct {
	UserID    string    `gorm:"primaryKey" json:"user_id" bson:"_id"`
	Wallet    int64     `gorm:"not null;default:0" json:"wallet" bson:"wallet"`
	Bank      int64     `gorm:"not null;default:0" json:"bank" bson:"bank"`
	LastDaily int64     `json:"last_daily" bson:"last_daily"`
	LastWork  int64     `json:"last_work" bson:"last_work"`
	Premium   bool      `json:"premium" bson:"premium"`
	Warnings  []Warning `gorm:"serializer:json" json:"warnings" bson:"warnings"`

	ModelUnixTime `bson:",inline"`
}

// GuildWarnings returns the account's warnings for a single guild
func (u UserAccount) GuildWarnings(guildID string) []Warning {
	var rv []Warning
	for _, w := range u.Warnings {
		if w.GuildID == guildID {
			rv = append(rv, w)
		}
	}
	return rv
}

// resequenceWarnings renumbers the warnings of each guild from 1 in their
// current order
func resequenceWarnings(warnings []Warning) []Warning {
	next := map[string]int{}
	for i := range warnings {
		next[warnings[i].GuildID]++
		warnings[i].ID = next[warnings[i].GuildID]
	}
	return warnings
}

// AutoResponse replies with Response when a message matches Trigger
type AutoResponse struct {
	ModelUintID `bson:",inline"`
	GuildID     string `gorm:"not null;uniqueIndex:idx_auto_response_trigger" json:"guild_id" bson:"guild_id"`
	Trigger     string `gorm:"column:trigger_text;not null;uniqueIndex:idx_auto_response_trigger" json:"trigger" bson:"trigger" binding:"required,min=1,max=100"`
	Response    string `gorm:"not null" json:"response" bson:"response" binding:"required,min=1,max=1900"`
	MatchMode   string `gorm:"not null;default:contains" json:"match_mode" bson:"match_mode" binding:"omitempty,oneof=exact contains"`
	CreatedBy   string `json:"created_by" bson:"created_by"`

	ModelUnixTime `bson:",inline"`
}

// Matches reports whether content triggers the response
func (a AutoResponse) Matches(content string) bool {
	content = strings.ToLower(strings.TrimSpace(content))
	if a.MatchMode == MatchModeExact {
		return content == a.Trigger
	}
	return strings.Contains(content, a.Trigger)
}

// CustomCommand is a guild-defined text command with a static response
type CustomCommand struct {
	ModelUintID `bson:",inline"`
	GuildID     string `gorm:"not null;uniqueIndex:idx_custom_command_name" json:"guild_id" bson:"guild_id"`
	Name        string `gorm:"not null;uniqueIndex:idx_custom_command_name" json:"name" bson:"name" binding:"required,min=1,max=32"`
	Response    string `gorm:"not null" json:"response" bson:"response" binding:"required,min=1,max=1900"`
	CreatedBy   string `json:"created_by" bson:"created_by"`
	Uses        int64  `gorm:"not null;default:0" json:"uses" bson:"uses"`

	ModelUnixTime `bson:",inline"`
}

type SuggestionSettings struct {
	GuildID         string `gorm:"primaryKey" json:"guild_id" bson:"_id"`
	ChannelID       string `json:"channel_id" bson:"channel_id"`
	AllowSelfVote   bool   `json:"allow_self_vote" bson:"allow_self_vote"`
	AllowChangeVote bool   `json:"allow_change_vote" bson:"allow_change_vote"`
	NotifyAuthor    bool   `json:"notify_author" bson:"notify_author"`
	Counter         int64  `gorm:"not null;default:0" json:"counter" bson:"counter"`

	ModelUnixTime `bson:",inline"`
}

func DefaultSuggestionSettings(guildID string) SuggestionSettings {
	return SuggestionSettings{
		GuildID:         guildID,
		AllowChangeVote: true,
		NotifyAuthor:    true,
	}
}

type SuggestionVoter struct {
	UserID    string `json:"user_id" bson:"user_id"`
	Direction string `json:"direction" bson:"direction"`
}

type Suggestion struct {
	ModelUintID  `bson:",inline"`
	GuildID      string            `gorm:"not null;uniqueIndex:idx_suggestion_number" json:"guild_id" bson:"guild_id"`
	SuggestionID int64             `gorm:"not null;uniqueIndex:idx_suggestion_number" json:"suggestion_id" bson:"suggestion_id"`
	AuthorID     string            `gorm:"not null" json:"author_id" bson:"author_id"`
	Content      string            `gorm:"not null" json:"content" bson:"content"`
	Status       string            `gorm:"not null;default:pending;index" json:"status" bson:"status"`
	MessageID    string            `json:"message_id" bson:"message_id"`
	ChannelID    string            `json:"channel_id" bson:"channel_id"`
	Upvotes      int               `gorm:"not null;default:0" json:"upvotes" bson:"upvotes"`
	Downvotes    int               `gorm:"not null;default:0" json:"downvotes" bson:"downvotes"`
	Voters       []SuggestionVoter `gorm:"serializer:json" json:"voters" bson:"voters"`
	ResolvedBy   string            `json:"resolved_by,omitempty" bson:"resolved_by"`
	Reason       string            `json:"reason,omitempty" bson:"reason"`
	ResolvedAt   int64             `json:"resolved_at,omitempty" bson:"resolved_at"`

	ModelUnixTime `bson:",inline"`
}

func (s Suggestion) voterDirection(userID string) string {
	for _, v := range s.Voters {
		if v.UserID == userID {
			return v.Direction
		}
	}
	return ""
}

func isResolvedStatus(status string) bool {
	return slices.Contains(resolvedStatuses, status)
}

type TempChannel struct {
	ChannelID string `json:"channel_id" bson:"channel_id"`
	OwnerID   string `json:"owner_id" bson:"owner_id"`
	CreatedAt int64  `json:"created_at" bson:"created_at"`
}

type TempVCConfig struct {
	GuildID          string        `gorm:"primaryKey" json:"guild_id" bson:"_id"`
	TriggerChannelID string        `json:"trigger_channel_id" bson:"trigger_channel_id"`
	CategoryID       string        `json:"category_id" bson:"category_id"`
	NameTemplate     string        `json:"name_template" bson:"name_template" binding:"max=100"`
	DefaultLimit     int           `json:"default_limit" bson:"default_limit" binding:"min=0,max=99"`
	Private          bool          `json:"private" bson:"private"`
	Channels         []TempChannel `gorm:"serializer:json" json:"channels" bson:"channels"`

	ModelUnixTime `bson:",inline"`
}

func DefaultTempVCConfig(guildID string) TempVCConfig {
	return TempVCConfig{
		GuildID:      guildID,
		NameTemplate: DefaultTempVCNameTemplate,
	}
}

func (t TempVCConfig) channel(channelID string) (TempChannel, bool) {
	for _, c := range t.Channels {
		if c.ChannelID == channelID {
			return c, true
		}
	}
	return TempChannel{}, false
}

// Reminder is a message to deliver to UserID once DueAt has passed
type Reminder struct {
	ID          string `gorm:"primaryKey" json:"id" bson:"_id"`
	UserID      string `gorm:"not null;index" json:"user_id" bson:"user_id"`
	ChannelID   string `json:"channel_id" bson:"channel_id"`
	GuildID     string `json:"guild_id" bson:"guild_id"`
	Content     string `gorm:"not null" json:"content" bson:"content"`
	DueAt       int64  `gorm:"not null;index" json:"due_at" bson:"due_at"`
	DeliveredAt int64  `gorm:"not null;default:0" json:"delivered_at" bson:"delivered_at"`

	ModelUnixTime `bson:",inline"`
}

type AFKStatus struct {
	UserID string `gorm:"primaryKey" json:"user_id" bson:"_id"`
	Reason string `json:"reason" bson:"reason"`
	Since  int64  `json:"since" bson:"since"`

	ModelUnixTime `bson:",inline"`
}

type BotOwner struct {
	UserID string `gorm:"primaryKey" json:"user_id" bson:"_id"`

	ModelUnixTime `bson:",inline"`
}

// BotSettings is a singleton row holding process-wide settings
type BotSettings struct {
	ID         uint   `gorm:"primaryKey" json:"-" bson:"_id"`
	APIKeyHash string `json:"-" bson:"api_key_hash"`

	ModelUnixTime `bson:",inline"`
}

// CommandLog is an audit record written for every resolved command
// invocation
type CommandLog struct {
	ModelUintID `bson:",inline"`
	CommandName string `gorm:"not null;index" json:"command_name" bson:"command_name"`
	UserID      string `gorm:"index" json:"user_id" bson:"user_id"`
	GuildID     string `json:"guild_id" bson:"guild_id"`
	ChannelID   string `json:"channel_id" bson:"channel_id"`
	Surface     string `json:"surface" bson:"surface"`
	Outcome     string `json:"outcome" bson:"outcome"`
	Error       string `json:"error,omitempty" bson:"error"`
	DurationMS  int64  `json:"duration_ms" bson:"duration_ms"`
	CreatedAt   int64  `gorm:"autoCreateTime:milli" json:"created_at" bson:"created_at"`
}

// CommandStats summarizes the command log
type CommandStats struct {
	Total     int64            `json:"total"`
	Failures  int64            `json:"failures"`
	ByCommand map[string]int64 `json:"by_command"`
}

// allModels is the list of models migrated by the SQL store
func allModels() []any {
	return []any{
		&GuildConfig{},
		&UserAccount{},
		&AutoResponse{},
		&CustomCommand{},
		&SuggestionSettings{},
		&Suggestion{},
		&TempVCConfig{},
		&Reminder{},
		&AFKStatus{},
		&BotOwner{},
		&BotSettings{},
		&CommandLog{},
	}
}
