// Package main is the mobile bridge: a c-shared library that exposes the sync
// engine to the app shell as JSON-in, JSON-out calls.
//
// The platform owns connectivity and sign-in. It reports network changes
// with SetNetworkState and hands over tokens with SignIn; the engine never
// probes the network on its own here.
package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
)

// errNotInitialized is returned by every call made before Init.
var errNotInitialized = errors.New(errors.ErrInternal, "engine not initialized")

// bridge owns the engine behind the exported functions.
type bridge struct {
	mu     sync.RWMutex
	engine *fsync.Engine
	cancel context.CancelFunc
}

var shared = &bridge{}

// init opens and starts the engine from a YAML or JSON configuration document.
func (b *bridge) init(document string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine != nil {
		return nil
	}

	cfg := config.Default()
	if err := config.Parse([]byte(document), cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to create data directory", err)
	}

	opts := fsync.OptionsFromConfig(cfg)
	opts.ProbeURL = ""

	ctx, cancel := context.WithCancel(context.Background())
	engine, err := fsync.Open(ctx, opts)
	if err != nil {
		cancel()
		return err
	}
	engine.Start(ctx)

	b.engine = engine
	b.cancel = cancel
	logging.Info("Mobile bridge initialized", map[string]interface{}{"data_dir": cfg.DataDir})
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return nil
	}
	b.cancel()
	err := b.engine.Close()
	b.engine = nil
	return err
}

func (b *bridge) current() (*fsync.Engine, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.engine == nil {
		return nil, errNotInitialized
	}
	return b.engine, nil
}

// call runs fn against the engine and encodes its result as JSON.
func (b *bridge) call(fn func(ctx context.Context, e *fsync.Engine) (interface{}, error)) (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	result, err := fn(context.Background(), e)
	if err != nil {
		return "", err
	}
	return encode(result)
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to serialize result", err)
	}
	return string(data), nil
}

func parseType(name string) (models.EntityType, error) {
	t := models.EntityType(strings.TrimSpace(name))
	if !t.Valid() {
		return "", errors.Newf(errors.ErrValidation, "unknown entity type %q", name)
	}
	return t, nil
}

func decodeEntity(t models.EntityType, data string) (*models.Entity, error) {
	var ent models.Entity
	if err := json.Unmarshal([]byte(data), &ent); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid entity JSON", err)
	}
	ent.Type = t
	return &ent, nil
}

// =====================================================
// Entity operations
// =====================================================

func (b *bridge) create(entityType, data string) (string, error) {
	t, err := parseType(entityType)
	if err != nil {
		return "", err
	}
	ent, err := decodeEntity(t, data)
	if err != nil {
		return "", err
	}
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		return e.Create(ctx, ent)
	})
}

func (b *bridge) update(entityType, id, data string) (string, error) {
	t, err := parseType(entityType)
	if err != nil {
		return "", err
	}
	ent, err := decodeEntity(t, data)
	if err != nil {
		return "", err
	}
	ent.ID = models.UUID(id)
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		return e.Update(ctx, ent)
	})
}

func (b *bridge) delete(entityType, id string) error {
	t, err := parseType(entityType)
	if err != nil {
		return err
	}
	e, err := b.current()
	if err != nil {
		return err
	}
	return e.Delete(context.Background(), t, id)
}

func (b *bridge) get(entityType, id string) (string, error) {
	t, err := parseType(entityType)
	if err != nil {
		return "", err
	}
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		return e.Get(ctx, t, id)
	})
}

// listRequest selects entities for list.
type listRequest struct {
	ParentID string `json:"parent_id"`
	Origin   string `json:"origin"`
	Status   string `json:"status"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

func (b *bridge) list(entityType, filter string) (string, error) {
	t, err := parseType(entityType)
	if err != nil {
		return "", err
	}
	var req listRequest
	if strings.TrimSpace(filter) != "" {
		if err := json.Unmarshal([]byte(filter), &req); err != nil {
			return "", errors.Wrap(errors.ErrInvalid, "invalid filter JSON", err)
		}
	}
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		items, err := e.List(ctx, db.ListFilter{
			Type:     t,
			ParentID: req.ParentID,
			Origin:   models.Origin(req.Origin),
			Status:   req.Status,
			Limit:    req.Limit,
			Offset:   req.Offset,
		})
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []*models.Entity{}
		}
		return map[string]interface{}{"items": items, "total": len(items)}, nil
	})
}

// =====================================================
// Sync state and recovery
// =====================================================

func (b *bridge) status() (string, error) {
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		return e.Status(ctx)
	})
}

func (b *bridge) failedItems() (string, error) {
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		items, err := e.FailedItems(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"items": items, "total": len(items)}, nil
	})
}

func (b *bridge) retry(itemID string) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	return e.Retry(context.Background(), itemID)
}

func (b *bridge) retryAll() (int, error) {
	e, err := b.current()
	if err != nil {
		return 0, err
	}
	return e.RetryAll(context.Background())
}

func (b *bridge) discard(itemID string) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	return e.Discard(context.Background(), itemID)
}

func (b *bridge) signIn(token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New(errors.ErrValidation, "token is required")
	}
	e, err := b.current()
	if err != nil {
		return err
	}
	e.SignIn(token)
	return nil
}

func (b *bridge) signOut() error {
	e, err := b.current()
	if err != nil {
		return err
	}
	e.SignOut()
	return nil
}

func (b *bridge) setNetworkState(online bool) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	e.SetNetworkState(online)
	return nil
}

func (b *bridge) sync() (string, error) {
	return b.call(func(ctx context.Context, e *fsync.Engine) (interface{}, error) {
		return e.Sync(ctx)
	})
}

// foreground returns the pass results even when one of them failed; the
// error is reported separately through the last error.
func (b *bridge) foreground() (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	result, runErr := e.Foreground(context.Background())
	if result == nil {
		return "", runErr
	}
	out, err := encode(result)
	if err != nil {
		return "", err
	}
	return out, runErr
}

// errorJSON renders err the way the desktop API does.
func errorJSON(err error) string {
	if err == nil {
		return ""
	}
	data, _ := json.Marshal(map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
	return string(data)
}

func main() {
	// Required for c-shared build mode, never executed
}
