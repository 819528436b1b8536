package datastore

import (
	"strings"

	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/store"
)

// Level is the tier a datastore reads and writes through.
type Level int

const (
	LevelCache Level = iota
	LevelPersistent
	LevelRemote
)

func (l Level) String() string {
	switch l {
	case LevelPersistent:
		return "persistent"
	case LevelRemote:
		return "remote"
	}
	return "cache"
}

// Authenticator supplies credentials for remote requests.
type Authenticator interface {
	LoggedIn() bool
	Key() string
	Token() string
}

// StaticUser is an Authenticator with fixed credentials.
type StaticUser struct {
	Name   string
	Secret string
}

func (u StaticUser) LoggedIn() bool { return u.Name != "" }
func (u StaticUser) Key() string    { return u.Name }
func (u StaticUser) Token() string  { return u.Secret }

// settings is the parsed form of a settings object.
type settings struct {
	raw      ir.IRObject
	local    ir.IRValue
	db       string
	store    string
	url      string
	datasets ir.IRArray
	delayed  bool
	user     Authenticator
}

// settingsFields are the fields that make an object a settings object.
// Any other object is taken as the initial records of a cache-only store.
var settingsFields = []string{"local", "store", "url", "db", "delayed", "user"}

// normalizeSettings wraps bare records as initial data. A named store
// without a db gets the default database, so both spellings share one
// source key.
func normalizeSettings(raw ir.IRObject) ir.IRObject {
	if raw == nil {
		return ir.IRObject{}
	}
	for _, f := range settingsFields {
		if _, ok := raw[f]; ok {
			out := ir.CloneObject(raw)
			if out.String("store") != "" && out.String("db") == "" {
				out["db"] = ir.IRString(store.DefaultDatabase)
			}
			return out
		}
	}
	if len(raw) == 0 {
		return ir.IRObject{}
	}
	return ir.IRObject{"local": ir.CloneObject(raw)}
}

func parseSettings(raw ir.IRObject) settings {
	s := settings{
		raw:   raw,
		local: raw["local"],
		db:    raw.String("db"),
		store: raw.String("store"),
		url:   raw.String("url"),
	}
	if s.db == "" {
		s.db = store.DefaultDatabase
	}
	s.datasets, _ = raw["datasets"].(ir.IRArray)
	if b, ok := raw["delayed"].(ir.IRBool); ok {
		s.delayed = bool(b)
	}
	if u, ok := raw["user"].(Authenticator); ok {
		s.user = u
	}
	return s
}

func (s settings) level() Level {
	switch {
	case s.url != "":
		return LevelRemote
	case s.store != "":
		return LevelPersistent
	}
	return LevelCache
}

func (s settings) socket() bool {
	return strings.HasPrefix(s.url, "ws://") || strings.HasPrefix(s.url, "wss://")
}

// hello is the first socket message: [db, store, ...datasets].
func (s settings) hello() ir.IRArray {
	msg := ir.IRArray{ir.IRString(s.db), ir.IRString(s.store)}
	return append(msg, s.datasets...)
}
