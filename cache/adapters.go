package cache

import (
	"encoding/json"
	"fmt"
	"time"
)

// GetJSON reads an entry and unmarshals it into v. The boolean reports a
// hit; store unavailability is returned so callers can log and degrade.
func (s *Store) GetJSON(key string, v any) (bool, error) {
	payload, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		// A corrupt entry is as good as a miss; drop it.
		s.Delete(key)
		return false, nil
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return s.Set(key, payload, ttl, nil)
}
