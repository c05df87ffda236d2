package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/callbridge/internal/config"
)

// Catalog is the declarative agent and IVR menu document.
type Catalog struct {
	Agents []*Agent   `yaml:"agents"`
	Menus  []*IVRMenu `yaml:"ivr_menus"`
}

const catalogSchema = `{
  "type": "object",
  "properties": {
    "agents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "name": { "type": "string", "minLength": 1 },
          "routing_mode": { "enum": ["direct", "ivr", "forward"] },
          "direction": { "enum": ["inbound", "outbound", "both"] },
          "max_concurrent_calls": { "type": "integer", "minimum": 0 },
          "phone_numbers": { "type": "array", "items": { "type": "string" } },
          "business_hours": {
            "type": "object",
            "properties": {
              "days": { "type": "array", "items": { "type": "integer", "minimum": 0, "maximum": 6 } },
              "start": { "type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$" },
              "end": { "type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$" }
            }
          }
        }
      }
    },
    "ivr_menus": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "agent_id", "greeting", "options"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "agent_id": { "type": "string", "minLength": 1 },
          "greeting": { "type": "string", "minLength": 1 },
          "max_attempts": { "type": "integer", "minimum": 0 },
          "timeout_seconds": { "type": "integer", "minimum": 0 },
          "options": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["digit", "agent_id"],
              "properties": {
                "digit": { "type": "string", "pattern": "^[0-9*#]$" },
                "agent_id": { "type": "string", "minLength": 1 }
              }
            }
          }
        }
      }
    }
  }
}`

var (
	catalogSchemaOnce     sync.Once
	catalogSchemaCompiled *jsonschema.Schema
	catalogSchemaErr      error
)

func compiledCatalogSchema() (*jsonschema.Schema, error) {
	catalogSchemaOnce.Do(func() {
		catalogSchemaCompiled, catalogSchemaErr = jsonschema.CompileString("catalog.json", catalogSchema)
	})
	return catalogSchemaCompiled, catalogSchemaErr
}

// LoadCatalog reads a YAML or JSON5 catalog, validates it and applies menu
// defaults. Agents default to active when the field is omitted.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data, path)
}

// ParseCatalog is LoadCatalog on an in-memory document.
func ParseCatalog(data []byte, pathHint string) (*Catalog, error) {
	raw, err := config.ParseDocument([]byte(os.ExpandEnv(string(data))), pathHint)
	if err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	schema, err := compiledCatalogSchema()
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON number types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	if agents, ok := raw["agents"].([]any); ok {
		for _, item := range agents {
			if m, ok := item.(map[string]any); ok {
				if _, set := m["active"]; !set {
					m["active"] = true
				}
			}
		}
	}

	var cat Catalog
	if err := config.DecodeStrict(raw, &cat); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, a := range cat.Agents {
		if a.RoutingMode == "" {
			a.RoutingMode = RoutingDirect
		}
		if a.Direction == "" {
			a.Direction = DirectionInbound
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
	}
	for _, m := range cat.Menus {
		m.ApplyDefaults()
	}
	return &cat, nil
}

// Validate checks cross references the schema cannot express.
func (c *Catalog) Validate() error {
	var issues []string
	agents := make(map[string]*Agent, len(c.Agents))
	for _, a := range c.Agents {
		if _, dup := agents[a.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		agents[a.ID] = a
		if a.BusinessHours.Timezone != "" {
			if _, err := time.LoadLocation(a.BusinessHours.Timezone); err != nil {
				issues = append(issues, fmt.Sprintf("agent %s: unknown timezone %q", a.ID, a.BusinessHours.Timezone))
			}
		}
	}
	menus := make(map[string]bool, len(c.Menus))
	for _, m := range c.Menus {
		if menus[m.ID] {
			issues = append(issues, fmt.Sprintf("duplicate menu id %q", m.ID))
		}
		menus[m.ID] = true
		if _, ok := agents[m.AgentID]; !ok {
			issues = append(issues, fmt.Sprintf("menu %s: unknown agent %q", m.ID, m.AgentID))
		}
		digits := make(map[string]bool, len(m.Options))
		for _, opt := range m.Options {
			if digits[opt.Digit] {
				issues = append(issues, fmt.Sprintf("menu %s: digit %q bound twice", m.ID, opt.Digit))
			}
			digits[opt.Digit] = true
			if _, ok := agents[opt.AgentID]; !ok {
				issues = append(issues, fmt.Sprintf("menu %s: digit %s targets unknown agent %q", m.ID, opt.Digit, opt.AgentID))
			}
		}
	}
	for _, a := range c.Agents {
		if a.RoutingMode == RoutingIVR && !menus[a.IVRMenuID] {
			issues = append(issues, fmt.Sprintf("agent %s: ivr routing needs a known ivr_menu_id", a.ID))
		}
		if a.RoutingMode == RoutingForward && strings.TrimSpace(a.ForwardNumber) == "" {
			issues = append(issues, fmt.Sprintf("agent %s: forward routing needs forward_number", a.ID))
		}
	}
	if len(issues) > 0 {
		sort.Strings(issues)
		return fmt.Errorf("invalid catalog: %s", strings.Join(issues, "; "))
	}
	return nil
}

// FileCatalog keeps a MemoryStore in sync with a catalog file.
type FileCatalog struct {
	path   string
	store  *MemoryStore
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFileCatalog loads path into store.
func NewFileCatalog(path string, store *MemoryStore, logger *slog.Logger) (*FileCatalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fc := &FileCatalog{path: abs, store: store, logger: logger.With("component", "catalog")}
	if err := fc.Reload(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Reload re-reads the file. A bad document leaves the current catalog in
// place.
func (c *FileCatalog) Reload() error {
	cat, err := LoadCatalog(c.path)
	if err != nil {
		return err
	}
	c.store.ReplaceCatalog(cat.Agents, cat.Menus)
	c.logger.Info("catalog loaded", "path", c.path, "agents", len(cat.Agents), "menus", len(cat.Menus))
	return nil
}

// Watch reloads the catalog when the file changes. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (c *FileCatalog) Watch(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	c.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.watchLoop(watchCtx, watcher, 250*time.Millisecond)
	return nil
}

func (c *FileCatalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer c.wg.Done()

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := c.Reload(); err != nil {
				c.logger.Warn("catalog reload failed; keeping previous catalog", "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != c.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("catalog watch error", "error", err)
		}
	}
}

// Close stops watching.
func (c *FileCatalog) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	c.wg.Wait()
	return nil
}

// ImportCatalog writes every agent and menu into a SQL store, keeping
// declaration order.
func ImportCatalog(ctx context.Context, store *SQLStore, cat *Catalog) error {
	for i, a := range cat.Agents {
		if err := store.SaveAgent(ctx, a, i); err != nil {
			return err
		}
	}
	for _, m := range cat.Menus {
		if err := store.SaveMenu(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
