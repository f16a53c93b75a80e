package store

import "go.uber.org/zap"

// Registry adapts the DB to the decoder's registry interface. Decode never
// fails a notification, so storage errors are logged and swallowed here;
// an error on the registered-check conservatively reports unregistered.
type Registry struct {
	db     *DB
	logger *zap.Logger
}

// NewRegistry wraps a DB for use as the decoder's chat registry.
func NewRegistry(db *DB, logger *zap.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

func (r *Registry) ObserveChat(identity, name string, isGroup bool, lastSeenMs int64) {
	if err := r.db.ObserveChat(identity, name, isGroup, lastSeenMs); err != nil {
		r.logger.Warn("chat observation failed", zap.String("chat", identity), zap.Error(err))
	}
}

func (r *Registry) ObserveContact(id, name string) {
	if err := r.db.ObserveContact(id, name); err != nil {
		r.logger.Warn("contact observation failed", zap.String("id", id), zap.Error(err))
	}
}

func (r *Registry) IsRegistered(identity string) bool {
	registered, err := r.db.IsRegistered(identity)
	if err != nil {
		r.logger.Warn("registration lookup failed", zap.String("chat", identity), zap.Error(err))
		return false
	}
	return registered
}

func (r *Registry) ContactName(id string) string {
	name, err := r.db.ContactName(id)
	if err != nil {
		r.logger.Warn("contact lookup failed", zap.String("id", id), zap.Error(err))
		return ""
	}
	return name
}
