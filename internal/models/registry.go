package models

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/ksred/schemaflow/internal/state"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var deletedAtType = reflect.TypeOf(gorm.DeletedAt{})

// Registry collects the models an application declares. Models come from
// gorm-tagged structs, from explicit ModelState values, or from a YAML
// models file. DeclaredModels turns them into the target ProjectState the
// autodetector diffs against.
type Registry struct {
	mu       sync.RWMutex
	structs  []registeredStruct
	explicit []*state.ModelState
	apps     map[reflect.Type]string
}

type registeredStruct struct {
	app   string
	value interface{}
	typ   reflect.Type
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{apps: make(map[reflect.Type]string)}
}

// Register adds gorm model structs under an app label. Pass pointers or
// values; the struct name becomes the model name.
func (r *Registry) Register(app string, values ...interface{}) error {
	if app == "" {
		return fmt.Errorf("app label is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		typ := reflect.Indirect(reflect.ValueOf(v)).Type()
		if typ.Kind() != reflect.Struct {
			return fmt.Errorf("register %s: %s is not a struct", app, typ)
		}
		if prev, ok := r.apps[typ]; ok {
			return fmt.Errorf("register %s: %s already registered under %s", app, typ.Name(), prev)
		}
		r.apps[typ] = app
		r.structs = append(r.structs, registeredStruct{app: app, value: v, typ: typ})
	}
	return nil
}

// Declare adds explicitly described models
func (r *Registry) Declare(models ...*state.ModelState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		r.explicit = append(r.explicit, m.Clone())
	}
}

type modelsFile struct {
	Models []*state.ModelState `yaml:"models"`
}

// LoadFile declares every model listed in a YAML models file
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open models file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var doc modelsFile
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to parse models file %s: %w", path, err)
	}
	for i, m := range doc.Models {
		if m == nil || m.App == "" || m.Name == "" {
			return fmt.Errorf("models file %s: entry %d needs app and name", path, i)
		}
		if m.Table == "" {
			m.Table = state.DefaultTable(m.App, m.Name)
		}
	}
	r.Declare(doc.Models...)
	return nil
}

// DeclaredModels builds the project state the application currently declares
func (r *Registry) DeclaredModels() (*state.ProjectState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	parsed := make([]*state.ModelState, 0, len(r.structs)+len(r.explicit))
	refs := make(map[string]map[string]state.ForeignKeyRef)
	for _, rs := range r.structs {
		m, err := r.parse(rs, refs)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, m)
	}

	// has-one and has-many relations put the key on the other model
	for _, m := range parsed {
		for name, ref := range refs[m.App+"."+m.Name] {
			i := m.FieldIndex(name)
			if i < 0 {
				return nil, fmt.Errorf("%s.%s: relation key %s is not a column", m.App, m.Name, name)
			}
			if m.Fields[i].ForeignKey == nil {
				m.Fields[i].ForeignKey = &ref
			}
		}
	}

	for _, m := range r.explicit {
		parsed = append(parsed, m.Clone())
	}

	s, err := state.FromModels(parsed...)
	if err != nil {
		return nil, err
	}
	if err := s.ValidateTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// appNamer keeps gorm's column and index naming but prefixes tables with the
// app label the way hand-declared models are named
type appNamer struct {
	schema.NamingStrategy
	app string
}

func (n appNamer) TableName(name string) string {
	return state.DefaultTable(n.app, name)
}

func (r *Registry) parse(rs registeredStruct, refs map[string]map[string]state.ForeignKeyRef) (*state.ModelState, error) {
	// a fresh cache per struct: related schemas would otherwise be cached
	// with another app's table names
	s, err := schema.Parse(rs.value, &sync.Map{}, appNamer{app: rs.app})
	if err != nil {
		return nil, fmt.Errorf("failed to parse model %s.%s: %w", rs.app, rs.typ.Name(), err)
	}

	m := &state.ModelState{App: rs.app, Name: s.Name, Table: s.Table}
	for _, f := range s.Fields {
		if fs, ok := fieldState(f); ok {
			m.Fields = append(m.Fields, fs)
		}
	}

	for _, rel := range s.Relationships.BelongsTo {
		target, ok := r.apps[rel.FieldSchema.ModelType]
		if !ok {
			return nil, fmt.Errorf("model %s.%s references unregistered model %s", rs.app, s.Name, rel.FieldSchema.Name)
		}
		onDelete := onDeleteOf(rel)
		for _, ref := range rel.References {
			if ref.PrimaryKey == nil || ref.ForeignKey == nil {
				continue
			}
			if i := m.FieldIndex(ref.ForeignKey.DBName); i >= 0 {
				m.Fields[i].ForeignKey = &state.ForeignKeyRef{
					App:      target,
					Model:    rel.FieldSchema.Name,
					Field:    ref.PrimaryKey.DBName,
					OnDelete: onDelete,
				}
			}
		}
	}

	owners := append(append([]*schema.Relationship{}, s.Relationships.HasOne...), s.Relationships.HasMany...)
	for _, rel := range owners {
		target, ok := r.apps[rel.FieldSchema.ModelType]
		if !ok {
			continue
		}
		onDelete := onDeleteOf(rel)
		key := target + "." + rel.FieldSchema.Name
		for _, ref := range rel.References {
			if ref.PrimaryKey == nil || ref.ForeignKey == nil || !ref.OwnPrimaryKey {
				continue
			}
			if refs[key] == nil {
				refs[key] = make(map[string]state.ForeignKeyRef)
			}
			refs[key][ref.ForeignKey.DBName] = state.ForeignKeyRef{
				App:      rs.app,
				Model:    s.Name,
				Field:    ref.PrimaryKey.DBName,
				OnDelete: onDelete,
			}
		}
	}

	for _, idx := range s.ParseIndexes() {
		def := state.IndexDefinition{Name: idx.Name, Unique: idx.Class == "UNIQUE", Where: idx.Where}
		for _, opt := range idx.Fields {
			if opt.Field != nil {
				def.Fields = append(def.Fields, opt.Field.DBName)
			}
		}
		if len(def.Fields) > 0 {
			m.Indexes = append(m.Indexes, def)
		}
	}
	sort.Slice(m.Indexes, func(i, j int) bool { return m.Indexes[i].Name < m.Indexes[j].Name })

	for name, chk := range s.ParseCheckConstraints() {
		m.Constraints = append(m.Constraints, state.ConstraintDefinition{
			Name:  name,
			Kind:  state.ConstraintCheck,
			Check: chk.Constraint,
		})
	}
	sort.Slice(m.Constraints, func(i, j int) bool { return m.Constraints[i].Name < m.Constraints[j].Name })

	return m, nil
}

// onDeleteOf reads the ON DELETE action from the relation's constraint tag.
// gorm drops the constraint of a belongs-to that mirrors a has-many, so the
// tag is read directly.
func onDeleteOf(rel *schema.Relationship) string {
	settings := schema.ParseTagSetting(rel.Field.TagSettings["CONSTRAINT"], ",")
	return strings.ToLower(settings["ONDELETE"])
}

func fieldState(f *schema.Field) (state.FieldState, bool) {
	if f.DBName == "" || f.DataType == "" || f.IgnoreMigration {
		return state.FieldState{}, false
	}
	fs := state.FieldState{
		Name:       f.DBName,
		Type:       columnType(f),
		PrimaryKey: f.PrimaryKey,
		Unique:     f.Unique,
	}
	if !f.PrimaryKey && !f.NotNull {
		fs.Nullable = f.FieldType.Kind() == reflect.Ptr ||
			f.FieldType == deletedAtType ||
			strings.HasPrefix(f.FieldType.Name(), "Null")
	}
	if f.HasDefaultValue && f.DefaultValue != "" {
		def := defaultSQL(f)
		fs.Default = &def
	}
	return fs, true
}

// defaultSQL restores the quoting gorm strips from string defaults; function
// calls and NULL pass through unchanged
func defaultSQL(f *schema.Field) string {
	v := f.DefaultValue
	if f.IndirectFieldType.Kind() != reflect.String || strings.EqualFold(v, "null") || strings.Contains(v, "(") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func columnType(f *schema.Field) string {
	if t := f.TagSettings["TYPE"]; t != "" {
		return strings.ToLower(t)
	}
	switch f.DataType {
	case schema.Bool:
		return "boolean"
	case schema.Int, schema.Uint:
		switch {
		case f.Size > 0 && f.Size <= 16:
			return "smallint"
		case f.Size > 0 && f.Size <= 32:
			return "integer"
		default:
			return "bigint"
		}
	case schema.Float:
		if f.Precision > 0 {
			return fmt.Sprintf("decimal(%d,%d)", f.Precision, f.Scale)
		}
		if f.Size == 32 {
			return "float"
		}
		return "double"
	case schema.String:
		if f.Size > 0 {
			return fmt.Sprintf("varchar(%d)", f.Size)
		}
		return "text"
	case schema.Time:
		return "timestamp"
	case schema.Bytes:
		return "bytes"
	default:
		return strings.ToLower(string(f.DataType))
	}
}
