package config

// OnDelete actions for associations.
const (
	OnDeleteNone    = "none"
	OnDeleteCascade = "cascade"
)

// Member kinds used when a store derives column types from the model.
const (
	KindString = "string"
	KindInt    = "int"
	KindFloat  = "float"
	KindBool   = "bool"
	KindTime   = "time"
	KindBytes  = "bytes"
)

// Model is the top-level structure of an entrack model file. It describes the
// entity sets and associations the identity map tracks, plus the context and
// connection defaults used by the CLI.
type Model struct {
	Name          string              `yaml:"name,omitempty" toml:"name"`
	SchemaVersion string              `yaml:"schemaVersion" toml:"schemaVersion" validate:"required"`
	EntitySets    []EntitySetConfig   `yaml:"entitySets" toml:"entitySets" validate:"required,min=1,dive"`
	Associations  []AssociationConfig `yaml:"associations,omitempty" toml:"associations" validate:"dive"`
	Context       *ContextPolicy      `yaml:"context,omitempty" toml:"context"`
	Connection    *ConnectionConfig   `yaml:"connection,omitempty" toml:"connection"`

	// FilePath is the source of the model, kept for error messages.
	FilePath string `yaml:"-" toml:"-"`
}

// EntitySetConfig declares one entity set. Type names the identity type the
// set holds; it defaults to the set name.
type EntitySetConfig struct {
	Name    string         `yaml:"name" toml:"name" validate:"required"`
	Type    string         `yaml:"type,omitempty" toml:"type"`
	Table   string         `yaml:"table,omitempty" toml:"table"`
	Members []MemberConfig `yaml:"members" toml:"members" validate:"required,min=1,dive"`
}

// MemberConfig declares one scalar member of an entity set.
type MemberConfig struct {
	Name           string `yaml:"name" toml:"name" validate:"required"`
	Kind           string `yaml:"kind,omitempty" toml:"kind" validate:"omitempty,oneof=string int float bool time bytes"`
	Key            bool   `yaml:"key,omitempty" toml:"key"`
	Nullable       bool   `yaml:"nullable,omitempty" toml:"nullable"`
	StoreGenerated bool   `yaml:"storeGenerated,omitempty" toml:"storeGenerated"`
	Column         string `yaml:"column,omitempty" toml:"column"`
}

// AssociationConfig declares a principal/dependent relationship carried by
// foreign-key members on the dependent.
type AssociationConfig struct {
	Name       string    `yaml:"name" toml:"name" validate:"required"`
	Principal  EndConfig `yaml:"principal" toml:"principal" validate:"required"`
	Dependent  EndConfig `yaml:"dependent" toml:"dependent" validate:"required"`
	ForeignKey []string  `yaml:"foreignKey" toml:"foreignKey" validate:"required,min=1,dive,required"`
	Required   bool      `yaml:"required,omitempty" toml:"required"`
	OnDelete   string    `yaml:"onDelete,omitempty" toml:"onDelete" validate:"omitempty,oneof=none cascade"`
}

// EndConfig names one side of an association. On the principal, Navigation
// is the collection of dependents; on the dependent, it is the reference to
// the principal. Either may be empty.
type EndConfig struct {
	EntitySet  string `yaml:"entitySet" toml:"entitySet" validate:"required"`
	Navigation string `yaml:"navigation,omitempty" toml:"navigation"`
}

// ContextPolicy holds the defaults an ObjectContext is built with.
type ContextPolicy struct {
	DefaultMergeOption string       `yaml:"defaultMergeOption,omitempty" toml:"defaultMergeOption" validate:"omitempty,oneof=appendOnly overwriteChanges preserveChanges noTracking"`
	RefreshBatchSize   *int         `yaml:"refreshBatchSize,omitempty" toml:"refreshBatchSize" validate:"omitempty,min=1"`
	SaveOptions        *SaveOptions `yaml:"saveOptions,omitempty" toml:"saveOptions"`
}

// SaveOptions mirrors the SaveChanges flags. Nil fields default to true.
type SaveOptions struct {
	DetectChangesBeforeSave   *bool `yaml:"detectChangesBeforeSave,omitempty" toml:"detectChangesBeforeSave"`
	AcceptAllChangesAfterSave *bool `yaml:"acceptAllChangesAfterSave,omitempty" toml:"acceptAllChangesAfterSave"`
}

// ConnectionConfig selects the store. DSN may be given inline or through the
// environment variable named by DSNEnv.
type ConnectionConfig struct {
	Driver       string `yaml:"driver,omitempty" toml:"driver" validate:"omitempty,oneof=memory sqlite pgx"`
	DSN          string `yaml:"dsn,omitempty" toml:"dsn"`
	DSNEnv       string `yaml:"dsnEnv,omitempty" toml:"dsnEnv"`
	OpenAttempts int    `yaml:"openAttempts,omitempty" toml:"openAttempts" validate:"omitempty,min=1"`
	OpenDelay    string `yaml:"openDelay,omitempty" toml:"openDelay"`
	EnsureSchema bool   `yaml:"ensureSchema,omitempty" toml:"ensureSchema"`
}

// TypeName returns the identity type name of the set.
func (s *EntitySetConfig) TypeName() string {
	if s.Type != "" {
		return s.Type
	}
	return s.Name
}

// TableName returns the store table of the set.
func (s *EntitySetConfig) TableName() string {
	if s.Table != "" {
		return s.Table
	}
	return s.Name
}

// ColumnName returns the store column of the member.
func (m *MemberConfig) ColumnName() string {
	if m.Column != "" {
		return m.Column
	}
	return m.Name
}

// FindEntitySet looks a set up by name.
func (m *Model) FindEntitySet(name string) (*EntitySetConfig, bool) {
	for i := range m.EntitySets {
		if m.EntitySets[i].Name == name {
			return &m.EntitySets[i], true
		}
	}
	return nil, false
}
