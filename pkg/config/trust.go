package config

// TrustConfig controls the issue trust gate guarding externally authored
// kanban items.
type TrustConfig struct {
	// IngestionEnabled admits external items at all. Off by default: with
	// ingestion disabled every external item is refused.
	IngestionEnabled bool `yaml:"ingestion_enabled"`

	// RequireTrustedCreator quarantines items whose creator is not in
	// TrustedUsers. Pointer so an explicit false in the file survives the
	// defaults merge; nil means true.
	RequireTrustedCreator *bool `yaml:"require_trusted_creator"`

	// TrustedUsers may submit tasks for execution. The repository owner is
	// always added to this set at load time.
	TrustedUsers []string `yaml:"trusted_users"`

	// RepoOwner is the derived owner login augmenting TrustedUsers.
	RepoOwner string `yaml:"repo_owner"`

	// InjectionPatterns are appended to the built-in prompt injection set.
	InjectionPatterns []string `yaml:"injection_patterns"`

	// NewExternalTaskStatus is where accepted external items land:
	// "backlog" (default, requires human promotion) or "todo".
	NewExternalTaskStatus string `yaml:"new_external_task_status"`

	// PostRejectionComment posts a public kanban comment when an item is
	// refused or quarantined. Pointer for the same reason as
	// RequireTrustedCreator; nil means true.
	PostRejectionComment *bool `yaml:"post_rejection_comment"`
}

// CreatorRequired reports whether unknown creators are quarantined.
func (c *TrustConfig) CreatorRequired() bool {
	return c.RequireTrustedCreator == nil || *c.RequireTrustedCreator
}

// CommentEnabled reports whether gate outcomes are announced on the item.
func (c *TrustConfig) CommentEnabled() bool {
	return c.PostRejectionComment == nil || *c.PostRejectionComment
}

// DefaultTrustConfig returns the built-in trust gate defaults.
func DefaultTrustConfig() *TrustConfig {
	requireCreator := true
	postComment := true
	return &TrustConfig{
		RequireTrustedCreator: &requireCreator,
		NewExternalTaskStatus: "backlog",
		PostRejectionComment:  &postComment,
	}
}
