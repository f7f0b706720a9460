package policy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// document is the YAML shape of one policy definition.
type document struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Type        Type           `yaml:"type"`
	Enabled     *bool          `yaml:"enabled"`
	Config      yaml.Node      `yaml:"config"`
	Tags        []string       `yaml:"tags"`
	Metadata    map[string]any `yaml:"metadata"`
	Audit       map[string]any `yaml:"audit"`
}

// Loader reads policy documents from YAML files and directories.
type Loader struct {
	logger  zerolog.Logger
	schemas *SchemaRegistry
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:  logger.With().Str("component", "policy-loader").Logger(),
		schemas: NewSchemaRegistry(),
	}
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Directory loads skip files that fail to parse; explicit file loads
// fail hard.
func (l *Loader) LoadFromPaths(ctx context.Context, orgID string, paths []string) ([]*Policy, error) {
	var all []*Policy

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, orgID, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, orgID, path string) ([]*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	if info.IsDir() {
		return l.loadFromDirectory(ctx, orgID, path)
	}
	return l.loadFromFile(orgID, path)
}

func (l *Loader) loadFromDirectory(ctx context.Context, orgID, dirPath string) ([]*Policy, error) {
	var policies []*Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(orgID, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil // Continue processing other files
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

// loadFromFile parses one YAML file, which may hold multiple documents.
func (l *Loader) loadFromFile(orgID, filePath string) ([]*Policy, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var policies []*Policy
	dec := yaml.NewDecoder(f)
	for i := 0; ; i++ {
		var generic map[string]any
		err := dec.Decode(&generic)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if generic == nil {
			continue
		}

		if err := l.schemas.ValidateDocument(generic); err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", i, filePath, err)
		}

		p, err := decodeDocument(orgID, generic)
		if err != nil {
			return nil, fmt.Errorf("document %d (%s): %w", i, filePath, err)
		}
		policies = append(policies, p)
	}

	return policies, nil
}

// decodeDocument converts a schema-checked document into a Policy.
func decodeDocument(orgID string, generic map[string]any) (*Policy, error) {
	raw, err := yaml.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encode document: %w", err)
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	cfg, err := DecodeConfigYAML(doc.Type, &doc.Config)
	if err != nil {
		return nil, err
	}

	status := StatusActive
	if doc.Enabled != nil && !*doc.Enabled {
		status = StatusInactive
	}

	now := time.Now().UTC()
	p := &Policy{
		ID:             uuid.New().String(),
		Name:           doc.Name,
		Description:    doc.Description,
		Type:           doc.Type,
		Status:         status,
		Config:         cfg,
		OrganizationID: orgID,
		Version:        1,
		Tags:           doc.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// Watcher reloads policy paths when files under them change. Reloads
// are debounced since editors fire several events per save.
type Watcher struct {
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a watcher over the given paths.
func NewWatcher(logger zerolog.Logger, paths []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}
	return &Watcher{
		logger:   logger.With().Str("component", "policy-watcher").Logger(),
		watcher:  fsw,
		debounce: 500 * time.Millisecond,
	}, nil
}

// Run blocks, invoking onChange after each debounced burst of file
// events, until the context is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.watcher.Close()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isPolicyFile(ev.Name) && ev.Op&fsnotify.Remove == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Policy watcher error")
		case <-fire:
			w.logger.Info().Msg("Policy files changed, reloading")
			onChange()
		}
	}
}
