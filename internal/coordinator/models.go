package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/transform"
)

// ModelDefinition describes a remote model: how many rails it drives and
// any repeat overrides it needs.
type ModelDefinition struct {
	Protocol     codec.Protocol `json:"protocol"`
	Model        string         `json:"model"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Rails        int            `json:"rails"`
	TopDown      bool           `json:"top_down,omitempty"`

	DefaultRepeat int `json:"default_repeat,omitempty"`
	MyRepeat      int `json:"my_repeat,omitempty"`
}

// Profile returns the protocol profile with the model overrides applied.
func (d *ModelDefinition) Profile() (transform.Profile, error) {
	p, err := transform.ProfileFor(d.Protocol)
	if err != nil {
		return p, err
	}
	if d.DefaultRepeat > 0 {
		p.DefaultRepeat = d.DefaultRepeat
	}
	if d.MyRepeat > 0 {
		p.MyRepeat = d.MyRepeat
	}
	return p, nil
}

// ProtocolGroup groups models under one protocol.
type ProtocolGroup struct {
	Protocol codec.Protocol    `json:"protocol"`
	Models   []ModelDefinition `json:"models"`
}

// ModelDB holds model definitions keyed by protocol+model.
type ModelDB struct {
	defs     map[string]*ModelDefinition
	defaults map[codec.Protocol]string
}

func modelKey(p codec.Protocol, model string) string {
	return string(p) + "\x00" + model
}

// NewModelDB returns a database holding the built-in models.
func NewModelDB() *ModelDB {
	db := &ModelDB{
		defs:     make(map[string]*ModelDefinition),
		defaults: make(map[codec.Protocol]string),
	}
	for _, d := range builtinModels {
		db.Add(d)
	}
	db.defaults[codec.ProtocolBrel] = "mle-25"
	db.defaults[codec.ProtocolBofu] = "bofu"
	db.defaults[codec.ProtocolSomfy] = "rts"
	return db
}

var builtinModels = []ModelDefinition{
	{Protocol: codec.ProtocolBrel, Model: "mle-25", FriendlyName: "Brel MLE-25", Rails: 1},
	{Protocol: codec.ProtocolBofu, Model: "bofu", FriendlyName: "Bofu single", Rails: 1},
	{Protocol: codec.ProtocolBofu, Model: "bofu-dual", FriendlyName: "Bofu dual rail", Rails: 2},
	{Protocol: codec.ProtocolBofu, Model: "bofu-topdown", FriendlyName: "Bofu top-down/bottom-up", Rails: 3, TopDown: true},
	{Protocol: codec.ProtocolSomfy, Model: "rts", FriendlyName: "Somfy RTS", Rails: 1},
}

// Add inserts a model definition, replacing any with the same key.
func (db *ModelDB) Add(def ModelDefinition) {
	cp := def
	if cp.Rails < 1 {
		cp.Rails = 1
	}
	db.defs[modelKey(def.Protocol, def.Model)] = &cp
}

// Lookup finds a model. An empty model name selects the protocol default.
func (db *ModelDB) Lookup(p codec.Protocol, model string) *ModelDefinition {
	if model == "" {
		model = db.defaults[p]
	}
	return db.defs[modelKey(p, model)]
}

// Len returns the number of model definitions.
func (db *ModelDB) Len() int {
	return len(db.defs)
}

// All returns every model sorted by protocol then model.
func (db *ModelDB) All() []ModelDefinition {
	out := make([]ModelDefinition, 0, len(db.defs))
	for _, d := range db.defs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// modelFile is the JSON structure for files in the models directory.
type modelFile struct {
	Models    []ModelDefinition `json:"models,omitempty"`
	Protocols []ProtocolGroup   `json:"protocols,omitempty"`
}

// LoadModelDir reads all *.json files from dir on top of the built-in
// models. A missing or empty directory is not an error.
func LoadModelDir(dir string, logger *slog.Logger) (*ModelDB, error) {
	db := NewModelDB()
	if dir == "" {
		return db, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob models dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no model definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var mf modelFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		count := 0
		add := func(d ModelDefinition) error {
			if _, err := transform.ProfileFor(d.Protocol); err != nil {
				return fmt.Errorf("%s: model %q: %w", path, d.Model, err)
			}
			if d.Model == "" {
				return fmt.Errorf("%s: model without name", path)
			}
			db.Add(d)
			count++
			return nil
		}
		for _, d := range mf.Models {
			if err := add(d); err != nil {
				return db, err
			}
		}
		for _, g := range mf.Protocols {
			for _, d := range g.Models {
				d.Protocol = g.Protocol
				if err := add(d); err != nil {
					return db, err
				}
			}
		}
		logger.Info("loaded model file", "path", filepath.Base(path), "models", count)
	}

	logger.Info("model database loaded", "files", len(matches), "models", db.Len())
	return db, nil
}
