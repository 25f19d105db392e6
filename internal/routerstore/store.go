// Package routerstore keeps tenants' router connection records and resolves them into
// device configurations for the connection pool.
package routerstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ispbill/routerd/internal/crypto"
	"github.com/ispbill/routerd/internal/database"
	"github.com/ispbill/routerd/internal/devicepool"
)

const (
	DefaultTimeoutMS = 15000
	DefaultName      = "default"
)

var ErrNotFound = errors.New("router not found")

// Store is the database-backed router registry.
type Store struct {
	db  *gorm.DB
	box *crypto.Box
}

func New(db *gorm.DB, box *crypto.Box) *Store {
	return &Store{db: db, box: box}
}

// Router is the input for Upsert. Routers are unique per tenant by name.
type Router struct {
	TenantID  string
	Name      string
	Host      string
	Port      int
	Username  string
	Password  string
	TLS       bool
	Primary   bool
	TimeoutMS int
}

func (r *Router) normalize() error {
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Name = strings.TrimSpace(r.Name)
	r.Host = strings.TrimSpace(r.Host)
	r.Username = strings.TrimSpace(r.Username)
	if r.Name == "" {
		r.Name = DefaultName
	}
	if r.TenantID == "" {
		return errors.New("tenant is required")
	}
	if r.Host == "" || r.Username == "" {
		return errors.New("host and user are required")
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("invalid port %d", r.Port)
	}
	if r.Port == 0 {
		if r.TLS {
			r.Port = devicepool.DefaultAPITLSPort
		} else {
			r.Port = devicepool.DefaultAPIPort
		}
	}
	if r.TimeoutMS <= 0 {
		r.TimeoutMS = DefaultTimeoutMS
	}
	return nil
}

// Upsert creates or replaces the tenant's router with r.Name. Marking a router primary
// clears the flag on the tenant's other routers. LastVerifiedAt is reset.
func (s *Store) Upsert(ctx context.Context, r Router) (*database.RouterConnection, error) {
	if err := r.normalize(); err != nil {
		return nil, err
	}
	enc, err := s.box.Encrypt(r.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt password: %w", err)
	}

	rc := database.RouterConnection{
		TenantID:          r.TenantID,
		Name:              r.Name,
		Host:              r.Host,
		Port:              r.Port,
		Username:          r.Username,
		PasswordEncrypted: enc,
		TLS:               r.TLS,
		TimeoutMS:         r.TimeoutMS,
		IsPrimary:         r.Primary,
	}

	var saved database.RouterConnection
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.Primary {
			if err := tx.Model(&database.RouterConnection{}).
				Where("tenant_id = ? AND is_primary = ? AND name <> ?", r.TenantID, true, r.Name).
				Update("is_primary", false).Error; err != nil {
				return err
			}
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"host":               rc.Host,
				"port":               rc.Port,
				"username":           rc.Username,
				"password_encrypted": rc.PasswordEncrypted,
				"tls":                rc.TLS,
				"timeout_ms":         rc.TimeoutMS,
				"is_primary":         rc.IsPrimary,
				"last_verified_at":   nil,
				"updated_at":         time.Now(),
			}),
		}).Create(&rc).Error; err != nil {
			return err
		}
		return tx.Where("tenant_id = ? AND name = ?", r.TenantID, r.Name).First(&saved).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert router: %w", err)
	}
	return &saved, nil
}

// List returns the tenant's routers ordered by id.
func (s *Store) List(ctx context.Context, tenantID string) ([]database.RouterConnection, error) {
	var routers []database.RouterConnection
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id").Find(&routers).Error; err != nil {
		return nil, err
	}
	return routers, nil
}

func (s *Store) Get(ctx context.Context, tenantID string, id uint) (*database.RouterConnection, error) {
	var rc database.RouterConnection
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func (s *Store) Delete(ctx context.Context, tenantID string, id uint) error {
	res := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&database.RouterConnection{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkVerified(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&database.RouterConnection{}).
		Where("id = ?", id).Update("last_verified_at", at).Error
}

// Resolve picks the tenant's router for sel. Lookups run in order: id, name, host (with
// port when given), the primary router, then any router. Lookups that miss fall through.
func (s *Store) Resolve(ctx context.Context, tenantID string, sel devicepool.Selector) (*database.RouterConnection, error) {
	if tenantID == "" {
		return nil, ErrNotFound
	}
	db := s.db.WithContext(ctx)
	tenant := db.Where("tenant_id = ?", tenantID).Session(&gorm.Session{})

	var attempts []*gorm.DB
	if id, err := strconv.ParseUint(strings.TrimSpace(sel.ID), 10, 64); err == nil {
		attempts = append(attempts, tenant.Where("id = ?", id))
	}
	if name := strings.TrimSpace(sel.Name); name != "" {
		attempts = append(attempts, tenant.Where("name = ?", name))
	}
	if host := strings.TrimSpace(sel.Host); host != "" {
		q := tenant.Where("host = ?", host)
		if sel.Port > 0 {
			q = q.Where("port = ?", sel.Port)
		}
		attempts = append(attempts, q)
	}
	attempts = append(attempts,
		tenant.Where("is_primary = ?", true),
		tenant,
	)

	for _, q := range attempts {
		var rc database.RouterConnection
		err := q.Order("id").First(&rc).Error
		if err == nil {
			return &rc, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("resolve router: %w", err)
		}
	}
	return nil, ErrNotFound
}

// DeviceConfig decrypts rc into the pool's connection parameters.
func (s *Store) DeviceConfig(rc *database.RouterConnection) (*devicepool.DeviceConfig, error) {
	password, err := s.box.Decrypt(rc.PasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("router %d password: %w", rc.ID, err)
	}
	cfg := &devicepool.DeviceConfig{
		Host:     rc.Host,
		Port:     rc.Port,
		User:     rc.Username,
		Password: password,
		TLS:      rc.TLS,
		Timeout:  time.Duration(rc.TimeoutMS) * time.Millisecond,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeoutMS * time.Millisecond
	}
	return cfg, nil
}

// Loader adapts the store to devicepool.ConfigLoader.
func (s *Store) Loader() devicepool.ConfigLoader {
	return func(ctx context.Context, tenantID string, sel devicepool.Selector) (*devicepool.DeviceConfig, error) {
		rc, err := s.Resolve(ctx, tenantID, sel)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: tenant %s", devicepool.ErrConfigNotFound, tenantID)
		}
		if err != nil {
			return nil, err
		}
		return s.DeviceConfig(rc)
	}
}
