// Package inventory loads a YAML file of tenants' routers and seeds the router store with
// it at startup.
//
//	tenants:
//	  - id: isp-1
//	    routers:
//	      - name: core
//	        host: 10.0.0.1
//	        user: api
//	        password: ${ISP1_ROUTER_PASSWORD}
//	        primary: true
package inventory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ispbill/routerd/internal/database"
	"github.com/ispbill/routerd/internal/logutil"
	"github.com/ispbill/routerd/internal/routerstore"
)

type Router struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	TLS       bool   `yaml:"tls"`
	Primary   bool   `yaml:"primary"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type Tenant struct {
	ID      string   `yaml:"id"`
	Routers []Router `yaml:"routers"`
}

type File struct {
	Tenants []Tenant `yaml:"tenants"`
}

// Parse decodes data. ${VAR} references are expanded from the environment first so
// passwords need not live in the file. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	expanded := os.ExpandEnv(string(data))
	var f File
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	for i, t := range f.Tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("parse inventory: tenant %d has no id", i)
		}
	}
	return &f, nil
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// Upserter is the subset of routerstore.Store used for seeding.
type Upserter interface {
	Upsert(ctx context.Context, r routerstore.Router) (*database.RouterConnection, error)
}

// Seed upserts every router in f. It stops at the first failure and returns the number
// of routers written.
func Seed(ctx context.Context, store Upserter, f *File) (int, error) {
	n := 0
	for _, t := range f.Tenants {
		for _, r := range t.Routers {
			_, err := store.Upsert(ctx, routerstore.Router{
				TenantID:  t.ID,
				Name:      r.Name,
				Host:      r.Host,
				Port:      r.Port,
				Username:  r.User,
				Password:  r.Password,
				TLS:       r.TLS,
				Primary:   r.Primary,
				TimeoutMS: r.TimeoutMS,
			})
			if err != nil {
				return n, fmt.Errorf("seed router %q for tenant %s: %w", r.Name, t.ID, err)
			}
			n++
		}
	}
	if n > 0 {
		log.Printf("Seeded %d router(s) from inventory", n)
	}
	return n, nil
}

// SeedFile loads path and seeds store. An empty path is a no-op.
func SeedFile(ctx context.Context, store Upserter, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	f, err := Load(path)
	if err != nil {
		return 0, err
	}
	log.Printf("Loading router inventory from %s", logutil.SanitizeForLog(path))
	return Seed(ctx, store, f)
}
