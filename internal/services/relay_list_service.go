package services

import (
	"fmt"
	"log"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"tipstream/internal/config"
	"tipstream/internal/models"
)

// relayFile is the on-disk relay roster format.
type relayFile struct {
	Primary string         `yaml:"primary"`
	Relays  []models.Relay `yaml:"relays"`
}

// RelayListService owns the relay roster: one primary relay that every
// fanout always queries, plus extra relays flagged for read and/or
// write. The roster comes from a YAML file when RELAY_CONFIG_PATH is
// set, otherwise from environment variables. Reload applies file edits
// without a restart; a parse error keeps the previous roster.
type RelayListService struct {
	mu         sync.RWMutex
	configPath string
	envPrimary string
	envRelays  []string
	primary    string
	relays     []models.Relay
}

// NewRelayListService loads the initial roster.
func NewRelayListService(cfg *config.Config) (*RelayListService, error) {
	service := &RelayListService{
		configPath: cfg.RelayConfigPath,
		envPrimary: cfg.PrimaryRelayURL,
		envRelays:  cfg.RelayURLs,
	}

	if err := service.load(); err != nil {
		return nil, err
	}

	log.Printf("✅ Relay roster loaded (primary: %s, extra read relays: %d)",
		service.PrimaryURL(), len(service.ReadRelayURLs()))
	return service, nil
}

// load builds the roster from the environment, then lets the config
// file override it. State is only swapped in after everything parses.
func (s *RelayListService) load() error {
	primary := s.envPrimary
	relays := make([]models.Relay, 0, len(s.envRelays))
	for _, url := range s.envRelays {
		relays = append(relays, models.Relay{URL: url, Read: true, Write: true})
	}

	// A missing file is fine (the environment settings stand); a file
	// that exists but does not parse is an error.
	if s.configPath != "" {
		data, err := os.ReadFile(s.configPath)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read relay config %s: %w", s.configPath, err)
		}
		if err == nil {
			var file relayFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("failed to parse relay config %s: %w", s.configPath, err)
			}

			if file.Primary != "" {
				primary = file.Primary
			}
			if len(file.Relays) > 0 {
				relays = file.Relays
			}
		}
	}

	if primary == "" {
		return fmt.Errorf("no primary relay configured (set PRIMARY_RELAY_URL or a primary entry in the relay config file)")
	}

	s.mu.Lock()
	s.primary = primary
	s.relays = relays
	s.mu.Unlock()
	return nil
}

// Reload re-reads the roster and reports whether the primary relay
// changed. Callers react to a primary change by clearing caches, since
// cached records may not exist on the new primary.
func (s *RelayListService) Reload() (bool, error) {
	before := s.PrimaryURL()

	if err := s.load(); err != nil {
		return false, err
	}

	after := s.PrimaryURL()
	if before != after {
		log.Printf("🔄 Primary relay changed: %s -> %s", before, after)
		return true, nil
	}
	return false, nil
}

// PrimaryURL returns the current primary relay URL.
func (s *RelayListService) PrimaryURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

// ReadRelayURLs returns the extra read-capable relays, excluding the
// primary. Fanouts query the primary plus exactly these.
func (s *RelayListService) ReadRelayURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.ReadRelayURLs(s.relays, s.primary)
}

// WriteRelayURLs returns the write-capable relays. Scheduled publishes
// without explicit targets go to all of these plus the primary.
func (s *RelayListService) WriteRelayURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	urls := []string{s.primary}
	for _, u := range models.WriteRelayURLs(s.relays) {
		if u != s.primary {
			urls = append(urls, u)
		}
	}
	return urls
}

// Relays returns a copy of the configured extra relays.
func (s *RelayListService) Relays() []models.Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Relay, len(s.relays))
	copy(out, s.relays)
	return out
}

// Stats returns roster statistics
func (s *RelayListService) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"primary":      s.primary,
		"total_relays": len(s.relays),
		"read_relays":  len(models.ReadRelayURLs(s.relays, s.primary)),
		"write_relays": len(models.WriteRelayURLs(s.relays)),
	}
}
